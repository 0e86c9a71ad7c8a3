package audio

import "sync"

// Sink receives one raw PCM frame. Implementations must not retain the slice
// after returning.
type Sink func(frame []byte) error

// Relay forwards raw PCM frames between the participants of one room: a
// frame from one member is written to every other member's sink. Sinks are
// attached when an audio socket opens and detached when it closes.
//
// All methods are safe for concurrent use. Forward holds no lock while
// writing, so a slow sink does not block Attach/Detach.
type Relay struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRelay creates an empty Relay.
func NewRelay() *Relay {
	return &Relay{sinks: make(map[string]Sink)}
}

// Attach registers the sink for userID, replacing any previous sink.
func (r *Relay) Attach(userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[userID] = sink
}

// Detach removes the sink for userID. Unknown IDs are a no-op.
func (r *Relay) Detach(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, userID)
}

// Forward writes frame to every sink except the sender's. Sink errors are
// swallowed; a failing peer connection is torn down by its own read loop.
func (r *Relay) Forward(fromUserID string, frame []byte) {
	r.mu.RLock()
	targets := make([]Sink, 0, len(r.sinks))
	for id, sink := range r.sinks {
		if id == fromUserID {
			continue
		}
		targets = append(targets, sink)
	}
	r.mu.RUnlock()

	for _, sink := range targets {
		_ = sink(frame)
	}
}

// Size returns the number of attached sinks.
func (r *Relay) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
