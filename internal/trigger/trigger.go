// Package trigger decides when a room's conversation moves from small talk
// to deal-making. Two detectors run side by side: a literal keyword match on
// every final transcript, and a periodic LLM classification of the recent
// conversation. The first detection latches; nothing fires twice for the
// same conversation until Reset.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/accordlabs/accord/pkg/provider/llm"
)

// Detection tuning.
const (
	// DefaultKeyword is the literal trigger phrase when none is configured.
	DefaultKeyword = "handshake"

	// semanticInterval is how often the conversation is classified.
	semanticInterval = 10 * time.Second

	// semanticThreshold is the minimum classifier confidence that fires.
	semanticThreshold = 0.7

	// windowSize caps the retained utterance window.
	windowSize = 100

	// classifyUtterances is how many recent utterances the classifier sees.
	classifyUtterances = 20
)

// Type distinguishes how a trigger fired.
type Type string

const (
	TypeKeyword Type = "keyword"
	TypeSmart   Type = "smart"
)

// Role is the classifier's guess at which side the flagged speaker is on.
type Role string

const (
	RoleProposer  Role = "proposer"
	RoleResponder Role = "responder"
	RoleUnclear   Role = "unclear"
)

// Event describes one trigger firing.
type Event struct {
	Type Type

	// SpeakerID is the user whose utterance fired the trigger. For smart
	// triggers this is the classifier's pick, possibly empty.
	SpeakerID string

	// MatchedText is the utterance containing the keyword (keyword type).
	MatchedText string

	// Confidence is the classifier confidence (smart type).
	Confidence float64

	// Role is the classifier's reading of the speaker's side.
	Role Role

	// Summary is the classifier's one-line reading of the intent.
	Summary string

	// Terms lists deal terms the classifier already heard.
	Terms []string
}

// Handler receives trigger events. Called once per latch, from the
// goroutine that detected the trigger.
type Handler func(Event)

// Entry is one utterance in the rolling window.
type Entry struct {
	SpeakerID string
	Text      string
}

// Detector watches a single room's final transcripts.
//
// All methods are safe for concurrent use.
type Detector struct {
	llm      llm.Provider
	onFire   Handler
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	keyword  string
	latched  bool
	window   []Entry
	seen     int  // utterances already shown to the classifier
	inFlight bool // a classification is running
}

// Option configures a Detector.
type Option func(*Detector)

// WithKeyword overrides the initial trigger keyword.
func WithKeyword(k string) Option {
	return func(d *Detector) {
		if k = strings.TrimSpace(k); k != "" {
			d.keyword = k
		}
	}
}

// WithInterval overrides the semantic check interval. Test hook.
func WithInterval(iv time.Duration) Option {
	return func(d *Detector) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// New creates a Detector. A nil provider disables semantic detection;
// keyword matching still works.
func New(provider llm.Provider, logger *slog.Logger, onFire Handler, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		llm:      provider,
		onFire:   onFire,
		logger:   logger,
		keyword:  DefaultKeyword,
		interval: semanticInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the periodic semantic check until ctx is cancelled. No-op when
// semantic detection is disabled.
func (d *Detector) Start(ctx context.Context) {
	if d.llm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.maybeClassify(ctx)
			}
		}
	}()
}

// HandleFinal feeds one final transcript into the detector. Fires the
// handler inline when the utterance contains the keyword and the detector
// has not latched yet.
func (d *Detector) HandleFinal(speakerID, text string) {
	d.mu.Lock()
	d.window = append(d.window, Entry{SpeakerID: speakerID, Text: text})
	if over := len(d.window) - windowSize; over > 0 {
		d.window = d.window[over:]
		if d.seen -= over; d.seen < 0 {
			d.seen = 0
		}
	}

	if d.latched || !containsKeyword(text, d.keyword) {
		d.mu.Unlock()
		return
	}
	d.latched = true
	// A literal match is certain; the keyword says nothing about sides.
	ev := Event{Type: TypeKeyword, SpeakerID: speakerID, MatchedText: text, Confidence: 1, Role: RoleUnclear}
	d.mu.Unlock()

	d.logger.Info("keyword trigger fired", "speaker", speakerID, "keyword", d.Keyword())
	d.fire(ev)
}

// SetKeyword changes the trigger keyword. An already latched detector stays
// latched.
func (d *Detector) SetKeyword(k string) {
	k = strings.TrimSpace(k)
	if k == "" {
		return
	}
	d.mu.Lock()
	d.keyword = k
	d.mu.Unlock()
}

// Keyword returns the current trigger keyword.
func (d *Detector) Keyword() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keyword
}

// Latched reports whether a trigger has fired.
func (d *Detector) Latched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latched
}

// Reset unlatches the detector so the next conversation can trigger again.
// The utterance window is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latched = false
}

// Window returns a copy of the retained utterances.
func (d *Detector) Window() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.window...)
}

func (d *Detector) fire(ev Event) {
	if d.onFire != nil {
		d.onFire(ev)
	}
}

// containsKeyword does a case-insensitive substring match.
func containsKeyword(text, keyword string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// classification is the strict JSON shape the classifier must return.
type classification struct {
	Triggered  bool     `json:"triggered"`
	Confidence float64  `json:"confidence"`
	SpeakerID  string   `json:"speakerId"`
	Role       string   `json:"role"`
	Summary    string   `json:"summary"`
	Terms      []string `json:"terms"`
}

// maybeClassify runs one semantic check if there is new material and no
// check already in flight. A malformed model response is treated as
// not-triggered.
func (d *Detector) maybeClassify(ctx context.Context) {
	d.mu.Lock()
	if d.latched || d.inFlight || len(d.window) == d.seen || len(d.window) == 0 {
		d.mu.Unlock()
		return
	}
	d.inFlight = true
	start := len(d.window) - classifyUtterances
	if start < 0 {
		start = 0
	}
	recent := append([]Entry(nil), d.window[start:]...)
	d.seen = len(d.window)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	result, err := d.classify(ctx, recent)
	if err != nil {
		d.logger.Debug("semantic trigger check failed", "error", err)
		return
	}
	if !result.Triggered || result.Confidence < semanticThreshold {
		return
	}

	d.mu.Lock()
	if d.latched {
		d.mu.Unlock()
		return
	}
	d.latched = true
	d.mu.Unlock()

	role := Role(result.Role)
	switch role {
	case RoleProposer, RoleResponder:
	default:
		role = RoleUnclear
	}
	d.logger.Info("semantic trigger fired",
		"speaker", result.SpeakerID, "confidence", result.Confidence, "role", string(role))
	d.fire(Event{
		Type:       TypeSmart,
		SpeakerID:  result.SpeakerID,
		Confidence: result.Confidence,
		Role:       role,
		Summary:    result.Summary,
		Terms:      result.Terms,
	})
}

func (d *Detector) classify(ctx context.Context, recent []Entry) (*classification, error) {
	var b strings.Builder
	b.WriteString("Decide whether the participants of this conversation are ready to negotiate ")
	b.WriteString("a concrete deal (a service, a price, payment terms). Answer with STRICT JSON only, ")
	b.WriteString(`no prose: {"triggered": bool, "confidence": 0.0-1.0, "speakerId": string, `)
	b.WriteString(`"role": "proposer"|"responder"|"unclear", "summary": string, "terms": [string]}`)
	b.WriteString("\n\nConversation:\n")
	for _, e := range recent {
		fmt.Fprintf(&b, "[%s] %s\n", e.SpeakerID, e.Text)
	}

	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You are a precise intent classifier. Output only JSON.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature:  0,
	})
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp.Content)
	// Some models wrap JSON in a code fence; strip it before parsing.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out classification
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return nil, fmt.Errorf("trigger: malformed classifier output: %w", err)
	}
	return &out, nil
}
