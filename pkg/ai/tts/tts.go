// Package tts provides interfaces and types for text-to-speech providers.
package tts

import (
	"context"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// TTS-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary TTS failure that may succeed if retried.
	// Examples: service overload, temporary quota exceeded, network issues.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent TTS failure that will not succeed if retried.
	// Examples: invalid voice ID, unsupported text format, permanent quota exceeded.
	ErrFatal = ai.ErrFatal
)

// DefaultChunkTimeout is how long a synthesis stream waits for the next
// audio chunk before failing the request. The timer rearms on every chunk.
const DefaultChunkTimeout = 10 * time.Second

// SynthesizeConfig carries per-request overrides. Zero values fall back to
// the instance defaults a provider was constructed with.
type SynthesizeConfig struct {
	Voice        string
	Language     string
	Speed        float32
	Pitch        float32
	ChunkTimeout time.Duration
	Conn         ai.ConnOptions
}

// WithDefaults fills unset fields.
func (c SynthesizeConfig) WithDefaults() SynthesizeConfig {
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	c.Conn = c.Conn.WithDefaults()
	return c
}

// SynthesizedAudio is one chunk of synthesized speech. RequestID identifies
// the synthesis request; SegmentID groups chunks belonging to one text
// segment. IsFinal marks a segment's last chunk.
type SynthesizedAudio struct {
	RequestID string
	SegmentID string
	Frame     rtc.AudioFrame
	IsFinal   bool
	Error     error // in-band failure; the channel closes after an error
}

// TTSCapabilities describes the capabilities of a TTS provider.
type TTSCapabilities struct {
	Streaming            bool
	AlignedTranscript    bool
	SupportedLanguages   []string
	SupportedVoices      []string
	SupportsSSML         bool
	SupportsSpeedControl bool
	SupportsPitchControl bool
}

// TTS is the main interface for text-to-speech providers. Output is always
// mono at the instance's fixed sample rate.
type TTS interface {
	// Synthesize converts a complete text to audio chunks. The channel
	// closes when synthesis finishes or after an in-band error.
	Synthesize(ctx context.Context, text string, cfg SynthesizeConfig) (<-chan SynthesizedAudio, error)

	// NewStream opens an incremental synthesis session for providers that
	// accept text as it is generated. Callers should check
	// Capabilities().Streaming, or wrap the instance with NewStreamAdapter.
	NewStream(ctx context.Context, cfg SynthesizeConfig) (SynthesizeStream, error)

	// SampleRate reports the output sample rate, fixed per instance.
	SampleRate() int

	// Capabilities returns the provider's capabilities.
	Capabilities() TTSCapabilities
}

// SynthesizeStream is an active incremental synthesis session. Text is
// pushed as it arrives; Flush closes the current segment and rotates the
// segment id; EndInput ends the session, after which Events drains and
// closes.
type SynthesizeStream interface {
	// PushText appends text to the current segment.
	PushText(text string) error

	// Flush marks the current segment complete so the provider can
	// synthesize it without waiting for the rest of the reply.
	Flush() error

	// EndInput signals no more text will be pushed.
	EndInput() error

	// Events returns the synthesized audio chunks.
	Events() <-chan SynthesizedAudio

	// Close aborts the session and discards pending audio.
	Close() error
}
