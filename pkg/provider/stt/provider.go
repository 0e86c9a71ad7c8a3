// Package stt defines the streaming speech-to-text provider interface.
//
// A provider opens one streaming session per audio source. Audio is pushed
// through SessionHandle.SendAudio as raw PCM; interim and final transcripts
// are delivered on the Partials and Finals channels. Implementations own the
// channel lifecycle: both channels are closed when the session ends.
package stt

import (
	"context"
	"time"
)

// WordDetail is per-word timing information attached to a transcript.
type WordDetail struct {
	// Word is the recognised word.
	Word string

	// Start is the word's start offset from the beginning of the stream.
	Start time.Duration

	// End is the word's end offset from the beginning of the stream.
	End time.Duration

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64
}

// Transcript is a single recognition result, partial or final.
type Transcript struct {
	// Text is the recognised utterance.
	Text string

	// IsFinal reports whether the provider has committed this result.
	// Partial results for the same audio are superseded by later partials.
	IsFinal bool

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64

	// Words holds optional per-word timings. May be empty.
	Words []WordDetail
}

// KeywordBoost biases recognition toward a domain keyword.
type KeywordBoost struct {
	// Keyword is the word or phrase to boost.
	Keyword string

	// Boost is the provider-specific boost weight.
	Boost float64
}

// StreamConfig configures a streaming transcription session.
type StreamConfig struct {
	// SampleRate of the PCM input in Hz. Accord streams 16000.
	SampleRate int

	// Channels is the channel count of the PCM input (1 = mono).
	Channels int

	// Language is a BCP-47 language code (e.g., "en-GB").
	Language string

	// Keywords lists domain keywords to boost (e.g., the trigger keyword).
	Keywords []KeywordBoost
}

// SessionHandle is a live streaming transcription session.
type SessionHandle interface {
	// SendAudio queues a raw PCM chunk for transcription. Returns an error
	// once the session is closed.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim transcripts.
	Partials() <-chan Transcript

	// Finals returns the channel of final transcripts.
	Finals() <-chan Transcript

	// Close terminates the session, flushing pending audio. Idempotent.
	Close() error
}

// Provider opens streaming transcription sessions.
//
// Implementations must be safe for concurrent use; each returned session is
// independent.
type Provider interface {
	// StartStream opens a streaming session with the given configuration.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
