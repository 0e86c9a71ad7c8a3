// Package room owns the lifetime of everything that happens between two
// participants: audio relay and transcription, trigger detection, the agent
// pair and their bus, the negotiation engine, contract documents, execution,
// and milestone verification. The Orchestrator is the process-wide directory
// of rooms; each Room wires its own component set and tears it down when the
// last member leaves.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/pkg/provider/llm"
	"github.com/accordlabs/accord/pkg/provider/phone"
	"github.com/accordlabs/accord/pkg/provider/stt"
)

// Orchestrator errors.
var (
	// ErrBadID rejects room or user identifiers outside the allowed grammar.
	ErrBadID = errors.New("room: identifier must match [A-Za-z0-9_-]{1,64}")

	// ErrRoomFull rejects a third distinct member.
	ErrRoomFull = errors.New("room: room is full")

	// ErrNotMember rejects operations from users not in the room.
	ErrNotMember = errors.New("room: user is not a member")
)

// idPattern is the identifier grammar for rooms and users.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id is an acceptable room or user identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Config wires the process-wide dependencies shared by every room.
type Config struct {
	// LLM backs the agents, the semantic trigger, document drafting, and
	// verification.
	LLM llm.Provider

	// STT transcribes room audio. Nil disables transcription; keyword
	// triggering then only sees transcripts injected via tests.
	STT stt.Provider

	// Phone places verification calls. Nil disables phone verification.
	Phone phone.Provider

	// Payments executes transfers and escrow operations.
	Payments *payment.Executor

	// Profiles stores member profiles set before joining.
	Profiles *profile.Store

	// Panel delivers UI updates.
	Panel *panel.Emitter

	// Metrics records room activity. Nil falls back to the default set.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// TriggerKeyword overrides the default trigger phrase.
	TriggerKeyword string

	// SemanticDetection enables the periodic LLM trigger classification.
	SemanticDetection bool

	// Negotiation bounds every room's negotiations. Zero values fall back
	// to the engine defaults.
	Negotiation negotiation.Config

	// STTLanguage is the BCP-47 language passed to the transcription stream.
	STTLanguage string
}

// Orchestrator is the process-wide room directory.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	// baseCtx scopes every room's background work to the server lifetime.
	baseCtx context.Context

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewOrchestrator creates an Orchestrator. ctx bounds the background work of
// every room; cancelling it stops all rooms.
func NewOrchestrator(ctx context.Context, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		baseCtx: ctx,
		rooms:   make(map[string]*Room),
	}
}

// SetProfile validates and stores the profile for userID, replacing any
// previous one. It must be called before Join for the profile to reach the
// member's agent.
func (o *Orchestrator) SetProfile(userID string, p profile.Profile) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: %q", ErrBadID, userID)
	}
	p.UserID = userID
	return o.cfg.Profiles.Set(userID, p)
}

// Join adds userID to roomID, creating the room on first join. The second
// distinct member pairs the agents; a third is refused with [ErrRoomFull].
// Rejoining a room the user is already in is a no-op.
func (o *Orchestrator) Join(roomID, userID string) (*Room, error) {
	if !ValidID(roomID) {
		return nil, fmt.Errorf("%w: room %q", ErrBadID, roomID)
	}
	if !ValidID(userID) {
		return nil, fmt.Errorf("%w: user %q", ErrBadID, userID)
	}

	o.mu.Lock()
	r, ok := o.rooms[roomID]
	if !ok {
		r = o.newRoom(roomID)
		o.rooms[roomID] = r
		o.metrics.ActiveRooms.Add(o.baseCtx, 1)
	}
	o.mu.Unlock()

	if err := r.join(userID); err != nil {
		return nil, err
	}
	return r, nil
}

// Leave removes userID from roomID. The last member leaving tears the room
// down. Unknown rooms and users are a no-op.
func (o *Orchestrator) Leave(roomID, userID string) {
	o.mu.Lock()
	r, ok := o.rooms[roomID]
	o.mu.Unlock()
	if !ok {
		return
	}

	if empty := r.leave(userID); empty {
		o.mu.Lock()
		if o.rooms[roomID] == r {
			delete(o.rooms, roomID)
			o.metrics.ActiveRooms.Add(o.baseCtx, -1)
		}
		o.mu.Unlock()
		r.close()
		o.logger.Info("room closed", "room_id", roomID)
	}
}

// Get returns the room with the given ID.
func (o *Orchestrator) Get(roomID string) (*Room, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rooms[roomID]
	return r, ok
}

// Member reports whether userID is currently in roomID.
func (o *Orchestrator) Member(roomID, userID string) bool {
	r, ok := o.Get(roomID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, in := r.members[userID]
	return in
}

// Close tears down every room. Used at server shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	rooms := make([]*Room, 0, len(o.rooms))
	for _, r := range o.rooms {
		rooms = append(rooms, r)
	}
	o.rooms = make(map[string]*Room)
	o.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
}
