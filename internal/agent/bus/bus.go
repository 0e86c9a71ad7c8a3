// Package bus is the in-process message channel between the two agents of a
// room. Messages are deep-copied at send time, delivered in send order, and
// also fanned out to observers (the negotiation engine watches the bus to
// advance its state machine).
package bus

import (
	"log/slog"
	"sync"

	"github.com/accordlabs/accord/internal/negotiation"
)

// Type names an agent-to-agent message kind.
type Type string

const (
	TypeProposal Type = "agent_proposal"
	TypeCounter  Type = "agent_counter"
	TypeReject   Type = "agent_reject"
	TypeAccept   Type = "agent_accept"
)

// Message is one agent-to-agent exchange. Proposal is set for proposal and
// counter messages; Reason for counter and reject.
type Message struct {
	Type          Type
	NegotiationID string
	FromAgent     string
	ToAgent       string
	Proposal      *negotiation.Proposal
	Reason        string
}

// Clone returns a deep copy of m so the receiver can never observe later
// mutations by the sender.
func (m Message) Clone() Message {
	out := m
	if m.Proposal != nil {
		p := m.Proposal.Clone()
		out.Proposal = &p
	}
	return out
}

// Handler consumes one message. Subscriber handlers run on a per-subscriber
// delivery goroutine; observer handlers run inline on the sender's goroutine
// and must be fast.
type Handler func(Message)

// queueSize bounds each subscriber's pending messages. Negotiations are
// capped at 5 rounds so the queue never comes close to this in practice.
const queueSize = 32

type subscriber struct {
	handler Handler
	ch      chan Message
	done    chan struct{}
}

// Bus connects the agents of one room.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	observers []Handler
	closed    bool
	logger    *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string]*subscriber), logger: logger}
}

// Observe registers h to see every message, synchronously, before the
// addressed subscriber. Observers cannot be removed; they live as long as
// the bus.
func (b *Bus) Observe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, h)
}

// Subscribe registers agentID's handler. Messages addressed to agentID are
// delivered in order on a dedicated goroutine, so a slow receiver never
// blocks the sender. A second Subscribe for the same ID replaces the first.
func (b *Bus) Subscribe(agentID string, h Handler) {
	sub := &subscriber{handler: h, ch: make(chan Message, queueSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	old := b.subs[agentID]
	b.subs[agentID] = sub
	b.mu.Unlock()

	if old != nil {
		close(old.ch)
	}
	go sub.run()
}

// Unsubscribe removes agentID's handler and stops its delivery goroutine.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	sub := b.subs[agentID]
	delete(b.subs, agentID)
	b.mu.Unlock()

	if sub != nil {
		close(sub.ch)
	}
}

// Send deep-copies msg, shows it to every observer and then queues it for
// msg.ToAgent. Messages to unknown agents are dropped after the observers
// have seen them; a full subscriber queue also drops (and logs).
func (b *Bus) Send(msg Message) {
	msg = msg.Clone()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	observers := b.observers
	sub := b.subs[msg.ToAgent]
	b.mu.Unlock()

	for _, h := range observers {
		h(msg.Clone())
	}

	if sub == nil {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		b.logger.Warn("agent bus queue full, dropping message",
			"type", string(msg.Type), "to", msg.ToAgent)
	}
}

// Close stops all delivery goroutines. Further Sends are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for msg := range s.ch {
		s.handler(msg)
	}
}
