// Package verification decides whether a milestone's condition has been met
// before escrowed funds move. An LLM-driven session gathers evidence through
// tools (condition assessment, an outbound verification phone call, self
// attestations, payment history) and must end with an explicit verdict;
// sessions that time out or stall resolve as disputed, which moves no money.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/accordlabs/accord/internal/document"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/pkg/provider/llm"
	"github.com/accordlabs/accord/pkg/provider/payments"
	"github.com/accordlabs/accord/pkg/provider/phone"
)

const (
	// sessionDeadline bounds one whole verification session.
	sessionDeadline = 120 * time.Second

	// maxToolDepth bounds tool iterations within a session.
	maxToolDepth = 15

	// phonePollDeadline bounds waiting for an outbound call to finish.
	phonePollDeadline = 180 * time.Second

	// phonePollInterval is how often call status is polled.
	phonePollInterval = 5 * time.Second
)

// Status is the verification outcome.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusDisputed Status = "disputed"
)

// Result is the session's decision. A nil RecommendedAmount on a passed
// verdict means no specific payout was recommended and the full hold is
// captured.
type Result struct {
	Status            Status
	Reasoning         string
	RecommendedAmount *int64
	Evidence          []Evidence
}

// Evidence is one recorded verification datum.
type Evidence struct {
	Kind    string    `json:"kind"` // factor_assessment, phone_call, self_attestation, payment_history
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// Payments is the slice of the payment executor the session needs.
type Payments interface {
	SearchTransactions(ctx context.Context, query string, since time.Time) ([]payments.Transaction, error)
}

// Emitter is the slice of the panel emitter the session needs.
type Emitter interface {
	Broadcast(roomID string, msg any)
}

// Config wires one verification session.
type Config struct {
	RoomID     string
	DocumentID string
	Milestone  document.Milestone

	LLM      llm.Provider
	Phone    phone.Provider // nil disables phone verification
	Payments Payments
	Panel    Emitter
	Logger   *slog.Logger

	// Metrics receives model and tool latency. Nil falls back to the
	// default set.
	Metrics *observe.Metrics

	// PhoneNumber and ContactName identify who a verification call reaches
	// (normally the paying client).
	PhoneNumber string
	ContactName string
}

// Session runs one milestone verification.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	evidence []Evidence
	verdict  *Result
	messages []llm.Message
}

// New creates a Session for the configured milestone.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Session{
		cfg: cfg,
		logger: logger.With(
			"room_id", cfg.RoomID,
			"document_id", cfg.DocumentID,
			"milestone_id", cfg.Milestone.ID),
		metrics: metrics,
	}
}

// Run drives the session to a verdict. It never returns an error status of
// its own invention: a session that cannot reach a verdict (timeout, model
// failure, depth limit) resolves as disputed so no funds move either way.
func (s *Session) Run(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, sessionDeadline)
	defer cancel()

	s.cfg.Panel.Broadcast(s.cfg.RoomID, panel.NewVerification(
		s.cfg.DocumentID, s.cfg.Milestone.ID, "started",
		fmt.Sprintf("verifying: %s", s.cfg.Milestone.Condition), ""))

	s.appendMessage(llm.Message{Role: llm.RoleUser, Content: s.openingMessage()})

	tools := s.toolDefinitions()
	for depth := 0; depth < maxToolDepth; depth++ {
		if v := s.currentVerdict(); v != nil {
			return s.finish(*v)
		}

		s.mu.Lock()
		msgs := append([]llm.Message(nil), s.messages...)
		s.mu.Unlock()

		start := time.Now()
		resp, err := s.cfg.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: s.systemPrompt(),
			Messages:     msgs,
			Tools:        tools,
		})
		s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.logger.Error("verification turn failed", "error", err)
			return s.finish(Result{Status: StatusDisputed, Reasoning: "verification could not complete: " + err.Error()})
		}

		s.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			// The model stopped without submitting a verdict; push once.
			s.appendMessage(llm.Message{Role: llm.RoleUser,
				Content: "You must finish with submit_verdict. Submit your verdict now based on the evidence gathered."})
			continue
		}

		for _, call := range resp.ToolCalls {
			result := s.dispatch(ctx, call)
			s.appendMessage(llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: call.ID})
		}
	}

	if v := s.currentVerdict(); v != nil {
		return s.finish(*v)
	}
	s.logger.Warn("verification hit depth limit without a verdict")
	return s.finish(Result{Status: StatusDisputed, Reasoning: "verification did not reach a verdict"})
}

func (s *Session) finish(r Result) Result {
	s.mu.Lock()
	r.Evidence = append([]Evidence(nil), s.evidence...)
	s.mu.Unlock()

	recommended := "none"
	if r.RecommendedAmount != nil {
		recommended = strconv.FormatInt(*r.RecommendedAmount, 10)
	}
	s.logger.Info("verification finished",
		"status", string(r.Status), "recommended", recommended, "evidence", len(r.Evidence))
	s.cfg.Panel.Broadcast(s.cfg.RoomID, panel.NewVerification(
		s.cfg.DocumentID, s.cfg.Milestone.ID, "verdict", r.Reasoning, string(r.Status)))
	return r
}

func (s *Session) currentVerdict() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict
}

func (s *Session) appendMessage(msg llm.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *Session) addEvidence(kind, detail string) {
	s.mu.Lock()
	s.evidence = append(s.evidence, Evidence{Kind: kind, Detail: detail, At: time.Now().UTC()})
	s.mu.Unlock()
}

func (s *Session) systemPrompt() string {
	m := s.cfg.Milestone
	var b strings.Builder
	b.WriteString("You are an impartial verification agent deciding whether a contract milestone has been met. ")
	b.WriteString("Gather evidence with your tools, then finish with submit_verdict. Be sceptical but fair: ")
	b.WriteString("a 'passed' verdict moves money to the provider, 'failed' returns it to the client, ")
	b.WriteString("'disputed' freezes it for human review. When evidence conflicts or is missing, prefer 'disputed'.\n\n")
	fmt.Fprintf(&b, "Milestone under verification:\n- Description: %s\n- Condition: %s\n", m.Description, m.Condition)
	fmt.Fprintf(&b, "- Escrowed amount: %d %s\n", m.Amount, m.Currency)
	if m.Conditional {
		fmt.Fprintf(&b, "- Conditional payout: recommend an amount between %d and %d based on how fully the condition was met.\n", m.MinAmount, m.MaxAmount)
	}
	if len(m.CompletionCriteria) > 0 {
		b.WriteString("- Completion criteria:\n")
		for _, c := range m.CompletionCriteria {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	if len(m.Deliverables) > 0 {
		fmt.Fprintf(&b, "- Deliverables: %s\n", strings.Join(m.Deliverables, "; "))
	}
	if m.VerificationMethod != "" {
		fmt.Fprintf(&b, "- Preferred verification method: %s\n", m.VerificationMethod)
	}
	return b.String()
}

func (s *Session) openingMessage() string {
	var b strings.Builder
	b.WriteString("Begin verification of the milestone. ")
	if s.cfg.Phone != nil && s.cfg.PhoneNumber != "" {
		fmt.Fprintf(&b, "You can reach %s by phone to confirm completion. ", s.cfg.ContactName)
	} else {
		b.WriteString("No phone contact is available; rely on the other tools. ")
	}
	b.WriteString("Keep the participants informed with send_verification_update as you go.")
	return b.String()
}

func (s *Session) toolDefinitions() []llm.ToolDefinition {
	obj := func(props map[string]any, required ...string) map[string]any {
		p := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			p["required"] = required
		}
		return p
	}
	return []llm.ToolDefinition{
		{
			Name:        "assess_condition",
			Description: "Record your reasoned assessment of one completion criterion.",
			Parameters: obj(map[string]any{
				"conditionName": map[string]any{"type": "string"},
				"assessment":    map[string]any{"type": "string", "enum": []string{"met", "partially_met", "not_met", "unable_to_assess"}},
				"details":       map[string]any{"type": "string"},
				"impactOnPrice": map[string]any{"type": "string", "description": "how this assessment should move a ranged payout, if at all"},
			}, "conditionName", "assessment", "details"),
		},
		{
			Name:        "phone_verify",
			Description: "Place an automated verification call to the contact and ask the given questions. Blocks until the call completes.",
			Parameters: obj(map[string]any{
				"questions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"context":   map[string]any{"type": "string"},
			}, "questions"),
		},
		{
			Name:        "record_self_attestation",
			Description: "Record a party's own statement about completion. Weak evidence on its own.",
			Parameters: obj(map[string]any{
				"attestation": map[string]any{"type": "string"},
				"confidence":  map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			}, "attestation", "confidence"),
		},
		{
			Name:        "check_payment_history",
			Description: "Search the account's past transactions for related payments.",
			Parameters: obj(map[string]any{
				"searchTerms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"days":        map[string]any{"type": "integer", "description": "look-back window; defaults to 30 days"},
			}, "searchTerms"),
		},
		{
			Name:        "send_verification_update",
			Description: "Show a short progress update to both participants.",
			Parameters: obj(map[string]any{
				"step":    map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			}, "step", "message"),
		},
		{
			Name:        "submit_verdict",
			Description: "Finish the session with your verdict. Required exactly once.",
			Parameters: obj(map[string]any{
				"status":            map[string]any{"type": "string", "enum": []string{"passed", "failed", "disputed"}},
				"reasoning":         map[string]any{"type": "string"},
				"recommendedAmount": map[string]any{"type": "integer", "description": "payout in minor units; omit to pay the full amount"},
			}, "status", "reasoning"),
		},
	}
}

// dispatch runs one tool call, returning the tool-result text. Errors are
// folded into the text so the model can adjust course.
func (s *Session) dispatch(ctx context.Context, call llm.ToolCall) string {
	start := time.Now()
	out, err := s.runTool(ctx, call)
	s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordToolCall(ctx, call.Name, "error")
		return fmt.Sprintf("error: %v", err)
	}
	s.metrics.RecordToolCall(ctx, call.Name, "ok")
	return out
}

func (s *Session) runTool(ctx context.Context, call llm.ToolCall) (string, error) {
	args := json.RawMessage(call.Arguments)
	switch call.Name {
	case "assess_condition":
		var a struct {
			ConditionName string `json:"conditionName"`
			Assessment    string `json:"assessment"`
			Details       string `json:"details"`
			ImpactOnPrice string `json:"impactOnPrice"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		switch a.Assessment {
		case "met", "partially_met", "not_met", "unable_to_assess":
		default:
			return "", fmt.Errorf("unknown assessment %q", a.Assessment)
		}
		detail := fmt.Sprintf("%s: %s. %s", a.ConditionName, a.Assessment, a.Details)
		if a.ImpactOnPrice != "" {
			detail += " Price impact: " + a.ImpactOnPrice
		}
		s.addEvidence("factor_assessment", detail)
		return "assessment recorded", nil

	case "phone_verify":
		return s.toolPhoneVerify(ctx, args)

	case "record_self_attestation":
		var a struct {
			Attestation string `json:"attestation"`
			Confidence  string `json:"confidence"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		switch a.Confidence {
		case "high", "medium", "low":
		default:
			return "", fmt.Errorf("unknown confidence %q", a.Confidence)
		}
		s.addEvidence("self_attestation", fmt.Sprintf("%s (confidence: %s)", a.Attestation, a.Confidence))
		return "attestation recorded; treat as weak evidence", nil

	case "check_payment_history":
		var a struct {
			SearchTerms []string `json:"searchTerms"`
			Days        int      `json:"days"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		if len(a.SearchTerms) == 0 {
			return "", errors.New("check_payment_history requires at least one search term")
		}
		if a.Days <= 0 {
			a.Days = 30
		}
		query := strings.Join(a.SearchTerms, " ")
		since := time.Now().AddDate(0, 0, -a.Days)
		txs, err := s.cfg.Payments.SearchTransactions(ctx, query, since)
		if err != nil {
			return "", err
		}
		if len(txs) == 0 {
			s.addEvidence("payment_history", fmt.Sprintf("no transactions matching %q", query))
			return "no matching transactions found", nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d matching transactions:\n", len(txs))
		for _, tx := range txs {
			fmt.Fprintf(&b, "- %s: %d %s (%s)\n", tx.CreatedAt.Format("2006-01-02"), tx.Amount, tx.Currency, tx.Description)
		}
		s.addEvidence("payment_history", b.String())
		return b.String(), nil

	case "send_verification_update":
		var a struct {
			Step    string `json:"step"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		s.cfg.Panel.Broadcast(s.cfg.RoomID, panel.NewVerification(
			s.cfg.DocumentID, s.cfg.Milestone.ID, a.Step, a.Message, ""))
		return "update shown", nil

	case "submit_verdict":
		return s.toolSubmitVerdict(args)
	}
	return "", fmt.Errorf("unknown tool %q", call.Name)
}

func (s *Session) toolPhoneVerify(ctx context.Context, args json.RawMessage) (string, error) {
	if s.cfg.Phone == nil || s.cfg.PhoneNumber == "" {
		return "", errors.New("phone verification is not available in this room")
	}
	var a struct {
		Questions []string `json:"questions"`
		Context   string   `json:"context"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if len(a.Questions) == 0 {
		return "", errors.New("phone_verify requires at least one question")
	}

	callID, err := s.cfg.Phone.StartCall(ctx, phone.CallRequest{
		PhoneNumber: s.cfg.PhoneNumber,
		ContactName: s.cfg.ContactName,
		Questions:   a.Questions,
		Context:     a.Context,
	})
	if err != nil {
		return "", fmt.Errorf("starting call: %w", err)
	}
	s.logger.Info("verification call started", "call_id", callID)

	pollCtx, cancel := context.WithTimeout(ctx, phonePollDeadline)
	defer cancel()
	ticker := time.NewTicker(phonePollInterval)
	defer ticker.Stop()
	for {
		res, err := s.cfg.Phone.CallStatus(pollCtx, callID)
		if err != nil {
			return "", fmt.Errorf("polling call: %w", err)
		}
		if res.Status.Terminal() {
			if res.Status == phone.StatusFailed {
				s.addEvidence("phone_call", "call failed: "+res.Error)
				return "the call could not be completed: " + res.Error, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "call completed. Summary: %s\n", res.Summary)
			for i, ans := range res.Answers {
				if i < len(a.Questions) {
					fmt.Fprintf(&b, "Q: %s\n", a.Questions[i])
				}
				fmt.Fprintf(&b, "A: %s\n", ans)
			}
			s.addEvidence("phone_call", b.String())
			return b.String(), nil
		}
		select {
		case <-pollCtx.Done():
			s.addEvidence("phone_call", "call did not complete in time")
			return "the call did not complete in time; proceed with other evidence", nil
		case <-ticker.C:
		}
	}
}

func (s *Session) toolSubmitVerdict(args json.RawMessage) (string, error) {
	var a struct {
		Status            string `json:"status"`
		Reasoning         string `json:"reasoning"`
		RecommendedAmount *int64 `json:"recommendedAmount"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}

	status := Status(a.Status)
	switch status {
	case StatusPassed, StatusFailed, StatusDisputed:
	default:
		return "", fmt.Errorf("unknown verdict status %q", a.Status)
	}

	m := s.cfg.Milestone
	amount := a.RecommendedAmount
	if status == StatusPassed {
		if m.Conditional {
			if amount != nil && (*amount < m.MinAmount || *amount > m.MaxAmount) {
				return "", fmt.Errorf("recommendedAmount %d outside the milestone range [%d, %d]", *amount, m.MinAmount, m.MaxAmount)
			}
		} else {
			// Non-conditional milestones pay the full escrowed amount.
			full := m.Amount
			amount = &full
		}
	} else {
		amount = nil
	}

	s.mu.Lock()
	if s.verdict != nil {
		s.mu.Unlock()
		return "verdict already submitted", nil
	}
	s.verdict = &Result{Status: status, Reasoning: a.Reasoning, RecommendedAmount: amount}
	s.mu.Unlock()
	return "verdict recorded", nil
}
