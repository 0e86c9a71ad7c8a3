package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Reconnection parameters. The backoff for attempt n is
// min(initialBackoff << n, maxBackoff).
const (
	maxReconnectAttempts = 10
	initialBackoff       = 2 * time.Second
	maxBackoff           = 30 * time.Second
)

// Backoff returns the delay before reconnect attempt n (0-based).
func Backoff(attempt int) time.Duration {
	d := initialBackoff << attempt
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// ErrReconnectExhausted is returned once every reconnect attempt has failed.
var ErrReconnectExhausted = errors.New("stt: reconnect attempts exhausted")

// Reconnector wraps a Provider session and transparently re-establishes it
// when the underlying stream drops. Audio sent while disconnected is dropped;
// transcripts are re-emitted on stable channels that survive reconnects.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider Provider
	cfg      StreamConfig
	logger   *slog.Logger

	partials chan Transcript
	finals   chan Transcript

	mu       sync.Mutex
	sess     SessionHandle
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconnector creates a Reconnector for the given provider and stream
// configuration. logger may be nil. Call Start to open the initial session.
func NewReconnector(provider Provider, cfg StreamConfig, logger *slog.Logger) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		partials: make(chan Transcript, 64),
		finals:   make(chan Transcript, 64),
		done:     make(chan struct{}),
	}
}

// Start opens the initial session and begins the supervision loop. The
// supervision goroutine exits when ctx is cancelled or Close is called.
func (r *Reconnector) Start(ctx context.Context) error {
	sess, err := r.provider.StartStream(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("stt: initial connect: %w", err)
	}

	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go r.superviseLoop(ctx, sess)
	return nil
}

// SendAudio forwards a PCM chunk to the current session. Chunks arriving
// while no session is live are dropped.
func (r *Reconnector) SendAudio(chunk []byte) error {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()

	if sess == nil {
		return nil // reconnecting; drop
	}
	return sess.SendAudio(chunk)
}

// Partials returns the stable channel of interim transcripts.
func (r *Reconnector) Partials() <-chan Transcript { return r.partials }

// Finals returns the stable channel of final transcripts.
func (r *Reconnector) Finals() <-chan Transcript { return r.finals }

// Close shuts down the current session and the supervision loop. Idempotent.
func (r *Reconnector) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	r.wg.Wait()
	return nil
}

// superviseLoop forwards transcripts from the live session and reconnects
// when its channels close unexpectedly.
func (r *Reconnector) superviseLoop(ctx context.Context, sess SessionHandle) {
	defer r.wg.Done()
	defer close(r.partials)
	defer close(r.finals)

	for {
		r.forward(ctx, sess)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		next, err := r.reconnect(ctx)
		if err != nil {
			r.logger.Error("stt reconnect failed", "err", err)
			return
		}
		sess = next
	}
}

// forward pumps both transcript channels of sess until they close.
func (r *Reconnector) forward(ctx context.Context, sess SessionHandle) {
	partials := sess.Partials()
	finals := sess.Finals()

	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			select {
			case r.partials <- t:
			default: // receiver lagging; partials are disposable
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			select {
			case r.finals <- t:
			case <-r.done:
				return
			}
		}
	}
}

// reconnect attempts to open a replacement session with exponential backoff.
func (r *Reconnector) reconnect(ctx context.Context) (SessionHandle, error) {
	r.mu.Lock()
	r.sess = nil
	r.mu.Unlock()

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := Backoff(attempt)
		r.logger.Info("stt stream dropped, reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrReconnectExhausted
		case <-time.After(delay):
		}

		sess, err := r.provider.StartStream(ctx, r.cfg)
		if err != nil {
			r.logger.Warn("stt reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		r.mu.Lock()
		r.sess = sess
		r.mu.Unlock()
		return sess, nil
	}

	return nil, ErrReconnectExhausted
}
