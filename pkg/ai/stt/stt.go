// Package stt provides interfaces and types for speech-to-text providers.
// It defines streaming STT interfaces that convert audio frames to text transcripts
// with support for interim results, multiple languages, and error handling.
package stt

import (
	"context"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// STT-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary STT failure that may succeed if retried.
	// Examples: network timeout, service unavailable, rate limiting.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent STT failure that will not succeed if retried.
	// Examples: invalid audio format, unsupported language, authentication failure.
	ErrFatal = ai.ErrFatal
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate  int
	NumChannels int
	Lang        string

	// InterimResults requests partial transcripts while the user is still
	// speaking. Providers that cannot produce them emit finals only.
	InterimResults bool

	// AlignedTranscript requests word-level timing where the provider
	// supports it. Words are attached to final alternatives.
	AlignedTranscript bool

	Conn ai.ConnOptions
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventStartOfSpeech marks the provider's own voice-activity onset.
	SpeechEventStartOfSpeech SpeechEventType = iota
	// SpeechEventInterim represents partial transcription results that may change
	SpeechEventInterim
	// SpeechEventFinal represents final transcription results that won't change
	SpeechEventFinal
	// SpeechEventPreflight is an eager end-of-turn hypothesis. It signals the
	// user is probably done so generation can start early, but it is not a
	// commitment: a final transcript still follows and may differ.
	SpeechEventPreflight
	// SpeechEventEndOfSpeech marks the provider's own voice-activity offset.
	SpeechEventEndOfSpeech
	// SpeechEventUsage reports billable audio duration for the request.
	SpeechEventUsage
	// SpeechEventError represents transcription errors
	SpeechEventError
)

// String returns a readable name for logging.
func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventStartOfSpeech:
		return "start_of_speech"
	case SpeechEventInterim:
		return "interim_transcript"
	case SpeechEventFinal:
		return "final_transcript"
	case SpeechEventPreflight:
		return "preflight_transcript"
	case SpeechEventEndOfSpeech:
		return "end_of_speech"
	case SpeechEventUsage:
		return "recognition_usage"
	case SpeechEventError:
		return "error"
	default:
		return "unknown"
	}
}

// SpeechWord is one word of an aligned transcript.
type SpeechWord struct {
	Text      string
	StartTime time.Duration
	EndTime   time.Duration
}

// SpeechData is a single transcription alternative. StartTime and EndTime
// are offsets into the audio stream, not wall-clock times.
type SpeechData struct {
	Text       string
	Language   string
	StartTime  time.Duration
	EndTime    time.Duration
	Confidence float64
	Words      []SpeechWord
}

// SpeechEvent represents a speech recognition event containing transcription
// results or errors. Transcript events carry at least one alternative, best
// first; lifecycle events (start/end of speech) carry none.
type SpeechEvent struct {
	Type         SpeechEventType
	RequestID    string
	Alternatives []SpeechData
	Usage        *RecognitionUsage // only set for usage events
	Error        error             // only set for error events
}

// Text returns the best alternative's transcript, or "" if none.
func (e SpeechEvent) Text() string {
	if len(e.Alternatives) == 0 {
		return ""
	}
	return e.Alternatives[0].Text
}

// Language returns the best alternative's language, or "" if none.
func (e SpeechEvent) Language() string {
	if len(e.Alternatives) == 0 {
		return ""
	}
	return e.Alternatives[0].Language
}

// RecognitionUsage reports how much audio a request consumed.
type RecognitionUsage struct {
	AudioDuration time.Duration
}

// STTCapabilities describes the capabilities of an STT provider.
type STTCapabilities struct {
	Streaming            bool
	InterimResults       bool
	PreflightTranscripts bool
	SupportedLanguages   []string
	SampleRates          []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream creates a new streaming STT session.
	NewStream(ctx context.Context, cfg StreamConfig) (STTStream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() STTCapabilities
}

// STTStream represents an active STT streaming session.
type STTStream interface {
	// Push sends an audio frame for processing.
	Push(frame rtc.AudioFrame) error

	// Flush marks a segment boundary: audio pushed so far should be
	// finalized even though more may follow.
	Flush() error

	// Events returns a channel of speech recognition events.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent and flushes any pending data.
	CloseSend() error
}

// Recognizer is the optional one-shot interface for providers that
// transcribe a complete buffer in a single request. Stream-only callers can
// wrap a Recognizer with NewStreamAdapter.
type Recognizer interface {
	Recognize(ctx context.Context, frames []rtc.AudioFrame, cfg StreamConfig) (SpeechEvent, error)
}
