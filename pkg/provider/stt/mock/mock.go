// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// The Session exposes its transcript channels for tests to push partial and
// final results, and records every audio chunk sent.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/accordlabs/accord/pkg/provider/stt"
)

// Session is a mock stt.SessionHandle. Create one with NewSession.
type Session struct {
	// PartialsCh is the channel returned by Partials. Tests send on it.
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals. Tests send on it.
	FinalsCh chan stt.Transcript

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

// NewSession creates a mock session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk. Returns SendErr if set, or an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
	return nil
}

// Partials returns the partials channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns the finals channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close closes both transcript channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// Chunks returns a copy of all audio chunks sent so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock stt.Provider. Each StartStream call returns the next
// entry from Sessions, or a fresh Session when the list is exhausted.
type Provider struct {
	mu sync.Mutex

	// Sessions is consumed in order by successive StartStream calls.
	Sessions []*Session

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// StartStreamCalls records every invocation in order.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the next configured session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}

// Compile-time interface checks.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
