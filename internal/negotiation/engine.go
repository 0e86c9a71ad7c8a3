package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine errors.
var (
	// ErrActiveExists rejects a second proposal while one negotiation is
	// still active in the room.
	ErrActiveExists = errors.New("negotiation: another negotiation is already active")

	// ErrNotFound is returned for unknown negotiation IDs.
	ErrNotFound = errors.New("negotiation: not found")

	// ErrTerminal rejects actions on a negotiation that already reached a
	// terminal state.
	ErrTerminal = errors.New("negotiation: already in a terminal state")

	// ErrNotParty rejects actions from agents outside the negotiation.
	ErrNotParty = errors.New("negotiation: agent is not a party")
)

// Expiry reasons.
const (
	ReasonRoundLimit   = "round_limit"
	ReasonRoundTimeout = "round_timeout"
	ReasonTotalTimeout = "total_timeout"
	ReasonPeerLeft     = "peer_left"
)

// Config bounds one negotiation.
type Config struct {
	MaxRounds    int
	RoundTimeout time.Duration
	TotalTimeout time.Duration
}

// DefaultConfig returns the standard negotiation bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:    5,
		RoundTimeout: 90 * time.Second,
		TotalTimeout: 300 * time.Second,
	}
}

// EventType names a terminal negotiation event.
type EventType string

const (
	EventAgreed   EventType = "agreed"
	EventRejected EventType = "rejected"
	EventExpired  EventType = "expired"
)

// Event is delivered to the engine's listener when a negotiation closes.
// The Negotiation is a deep copy; the listener may retain it.
type Event struct {
	Type        EventType
	Negotiation *Negotiation
	Reason      string
}

// Listener receives terminal negotiation events. Called outside the engine
// lock, from the goroutine that caused the transition (or a timer goroutine).
type Listener func(Event)

// Engine runs the negotiations of a single room. At most one negotiation is
// active at a time; closed ones are kept for lookup until the room ends.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg    Config
	roomID string
	logger *slog.Logger
	onDone Listener

	mu         sync.Mutex
	active     *Negotiation
	all        map[string]*Negotiation
	roundTimer *time.Timer
	totalTimer *time.Timer
}

// NewEngine creates an Engine for roomID. onDone may be nil.
func NewEngine(roomID string, cfg Config, logger *slog.Logger, onDone Listener) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		roomID: roomID,
		logger: logger,
		onDone: onDone,
		all:    make(map[string]*Negotiation),
	}
}

// Create opens a new negotiation with the initiator's proposal as the first
// round. Fails with [ErrActiveExists] while another negotiation is active;
// when two agents propose at once, the first caller wins.
func (e *Engine) Create(initiator, responder string, p Proposal) (*Negotiation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrActiveExists
	}

	now := time.Now().UTC()
	prop := p.Clone()
	prop.ID = uuid.NewString()
	prop.CreatedBy = initiator
	prop.CreatedAt = now
	prop.ExpiresAt = now.Add(e.cfg.RoundTimeout)

	n := &Negotiation{
		ID:        uuid.NewString(),
		RoomID:    e.roomID,
		Initiator: initiator,
		Responder: responder,
		Status:    StatusProposed,
		CreatedAt: now,
		Rounds: []Round{{
			Action:    ActionPropose,
			FromAgent: initiator,
			Proposal:  &prop,
			At:        now,
		}},
	}
	e.active = n
	e.all[n.ID] = n

	id := n.ID
	e.roundTimer = time.AfterFunc(e.cfg.RoundTimeout, func() { e.expire(id, ReasonRoundTimeout) })
	e.totalTimer = time.AfterFunc(e.cfg.TotalTimeout, func() { e.expire(id, ReasonTotalTimeout) })

	out := n.Clone()
	e.mu.Unlock()

	e.logger.Info("negotiation opened",
		"room_id", e.roomID, "negotiation_id", out.ID,
		"initiator", initiator, "responder", responder,
		"total", prop.TotalAmount(), "currency", prop.Currency)
	return out, nil
}

// Counter appends a counter-proposal round and moves the negotiation to
// countering. The engine does not check whose turn it is; any party may
// counter at any point while the negotiation is live. When the round history
// is already at the limit the negotiation expires with reason round_limit
// instead, and Counter reports that via the returned error being nil and
// the terminal event firing.
func (e *Engine) Counter(negID, fromAgent string, p Proposal, reason string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	n, err := e.actionable(negID, fromAgent)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if len(n.Rounds) >= e.cfg.MaxRounds {
		ev := e.closeLocked(n, StatusExpired, ReasonRoundLimit)
		e.mu.Unlock()
		e.emit(ev)
		return nil
	}

	now := time.Now().UTC()
	prop := p.Clone()
	prop.ID = uuid.NewString()
	prop.CreatedBy = fromAgent
	prop.CreatedAt = now
	prop.ExpiresAt = now.Add(e.cfg.RoundTimeout)
	n.Rounds = append(n.Rounds, Round{
		Action:    ActionCounter,
		FromAgent: fromAgent,
		Proposal:  &prop,
		Reason:    reason,
		At:        now,
	})
	n.Status = StatusCountering

	// A counter restarts the per-round clock; the total clock keeps running.
	if e.roundTimer != nil {
		e.roundTimer.Stop()
	}
	e.roundTimer = time.AfterFunc(e.cfg.RoundTimeout, func() { e.expire(negID, ReasonRoundTimeout) })
	rounds := len(n.Rounds)
	e.mu.Unlock()

	e.logger.Info("negotiation counter",
		"room_id", e.roomID, "negotiation_id", negID, "from", fromAgent, "rounds", rounds)
	return nil
}

// Accept closes the negotiation as accepted on the current proposal.
func (e *Engine) Accept(negID, fromAgent string) error {
	e.mu.Lock()
	n, err := e.actionable(negID, fromAgent)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	n.Rounds = append(n.Rounds, Round{Action: ActionAccept, FromAgent: fromAgent, At: time.Now().UTC()})
	ev := e.closeLocked(n, StatusAccepted, "")
	e.mu.Unlock()

	e.emit(ev)
	return nil
}

// Reject closes the negotiation as rejected.
func (e *Engine) Reject(negID, fromAgent, reason string) error {
	e.mu.Lock()
	n, err := e.actionable(negID, fromAgent)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	n.Rounds = append(n.Rounds, Round{Action: ActionReject, FromAgent: fromAgent, Reason: reason, At: time.Now().UTC()})
	ev := e.closeLocked(n, StatusRejected, reason)
	e.mu.Unlock()

	e.emit(ev)
	return nil
}

// Cancel expires the active negotiation, if any, with the given reason.
// Used when a participant leaves the room.
func (e *Engine) Cancel(reason string) {
	e.mu.Lock()
	n := e.active
	if n == nil {
		e.mu.Unlock()
		return
	}
	ev := e.closeLocked(n, StatusExpired, reason)
	e.mu.Unlock()
	e.emit(ev)
}

// Get returns a deep copy of the negotiation with the given ID.
func (e *Engine) Get(negID string) (*Negotiation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.all[negID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Active returns a deep copy of the active negotiation, if any.
func (e *Engine) Active() (*Negotiation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil, false
	}
	return e.active.Clone(), true
}

// Close stops the engine's timers. Pending negotiations stay readable.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimersLocked()
}

// actionable resolves negID to the live negotiation and checks fromAgent is
// a party. Caller holds e.mu.
func (e *Engine) actionable(negID, fromAgent string) (*Negotiation, error) {
	n, ok := e.all[negID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, negID)
	}
	if n.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, negID, n.Status)
	}
	if fromAgent != n.Initiator && fromAgent != n.Responder {
		return nil, fmt.Errorf("%w: %s", ErrNotParty, fromAgent)
	}
	return n, nil
}

// closeLocked moves n to a terminal state and returns the event to emit
// after unlocking. Caller holds e.mu.
func (e *Engine) closeLocked(n *Negotiation, status Status, reason string) Event {
	n.Status = status
	n.Reason = reason
	n.ClosedAt = time.Now().UTC()
	if e.active == n {
		e.active = nil
	}
	e.stopTimersLocked()

	var typ EventType
	switch status {
	case StatusAccepted:
		typ = EventAgreed
	case StatusRejected:
		typ = EventRejected
	default:
		typ = EventExpired
	}
	return Event{Type: typ, Negotiation: n.Clone(), Reason: reason}
}

func (e *Engine) stopTimersLocked() {
	if e.roundTimer != nil {
		e.roundTimer.Stop()
		e.roundTimer = nil
	}
	if e.totalTimer != nil {
		e.totalTimer.Stop()
		e.totalTimer = nil
	}
}

func (e *Engine) expire(negID, reason string) {
	e.mu.Lock()
	n, ok := e.all[negID]
	if !ok || n.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	ev := e.closeLocked(n, StatusExpired, reason)
	e.mu.Unlock()
	e.emit(ev)
}

func (e *Engine) emit(ev Event) {
	e.logger.Info("negotiation closed",
		"room_id", e.roomID, "negotiation_id", ev.Negotiation.ID,
		"status", ev.Negotiation.Status, "reason", ev.Reason,
		"rounds", len(ev.Negotiation.Rounds))
	if e.onDone != nil {
		e.onDone(ev)
	}
}
