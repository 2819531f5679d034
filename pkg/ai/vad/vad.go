// Package vad defines the voice activity detection interface. Implementations
// consume raw audio frames and emit speech start/end events plus periodic
// inference results the turn-taking layer uses for endpointing.
package vad

import (
	"context"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// VAD-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary VAD failure that may succeed if retried.
	// Examples: processing overload, temporary resource shortage.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent VAD failure that will not succeed if retried.
	// Examples: unsupported audio format, invalid configuration.
	ErrFatal = ai.ErrFatal
)

// VADEventType represents the type of VAD event.
type VADEventType int

const (
	VADEventSpeechStart VADEventType = iota
	// VADEventInferenceDone fires after each inference window with the raw
	// probability, whether or not the speaking state changed.
	VADEventInferenceDone
	VADEventSpeechEnd
	VADEventError
)

// String returns a readable name for logging.
func (t VADEventType) String() string {
	switch t {
	case VADEventSpeechStart:
		return "start_of_speech"
	case VADEventInferenceDone:
		return "inference_done"
	case VADEventSpeechEnd:
		return "end_of_speech"
	case VADEventError:
		return "error"
	default:
		return "unknown"
	}
}

// VADEvent represents a voice activity detection event.
//
// For speech end events, SilenceDuration already includes the configured
// silence wait: the utterance actually ended SilenceDuration before the
// event fired, and consumers back-date accordingly.
type VADEvent struct {
	Type      VADEventType
	Timestamp time.Time

	// SamplesIndex is the absolute sample position in the input stream at
	// which this event was decided.
	SamplesIndex int64

	// Smoothed durations of the current speech or silence run.
	SpeechDuration  time.Duration
	SilenceDuration time.Duration

	// Raw accumulated durations without exponential smoothing.
	RawAccumulatedSpeech  time.Duration
	RawAccumulatedSilence time.Duration

	// Probability is the model output for the last inference window.
	Probability float64

	// InferenceDuration is how long the last model inference took.
	InferenceDuration time.Duration

	// Speaking reports the detector's current state.
	Speaking bool

	// Frames holds the audio covered by this event. Speech start includes
	// the configured prefix padding so no onset audio is lost; speech end
	// carries the full utterance.
	Frames []rtc.AudioFrame

	Error error
}

// VADCapabilities describes the capabilities of a VAD provider.
type VADCapabilities struct {
	SampleRates        []int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	Sensitivity        float32 // 0.0 to 1.0
}

// VAD is the main interface for voice activity detection providers.
type VAD interface {
	// Detect processes audio frames and returns VAD events.
	// The returned channel will be closed when the input channel is closed or context is cancelled.
	Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan VADEvent, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() VADCapabilities
}
