// Package audio provides the PCM plumbing for Accord rooms: fixed-size
// framing for the STT pipeline and peer-to-peer relay of raw frames.
//
// All audio is 16-bit little-endian signed PCM, mono. The server-side sample
// rate is fixed at 16 kHz; clients resample before sending.
package audio

// Stream format constants.
const (
	// SampleRate is the only sample rate the server accepts, in Hz.
	SampleRate = 16000

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2

	// Channels is the channel count (mono).
	Channels = 1

	// chunkMillis is the duration of one emitted STT chunk.
	chunkMillis = 100

	// MaxBufferBytes caps the per-stream pending buffer at 30 seconds of
	// 16 kHz 16-bit mono audio. Writes beyond the cap are dropped.
	MaxBufferBytes = 30 * SampleRate * BytesPerSample * Channels
)

// ChunkSize returns the emitted chunk size in bytes for the given sample
// rate (one chunkMillis-long mono 16-bit frame).
func ChunkSize(sampleRate int) int {
	return sampleRate * BytesPerSample * Channels * chunkMillis / 1000
}
