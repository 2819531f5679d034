// Package fake provides a scripted STT for tests. Transcripts are emitted
// by the test rather than derived from audio, so recognition scenarios are
// deterministic.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// DefaultTranscript is used by NewFakeSTTWithTranscript callers that pass "".
const DefaultTranscript = "This is a fake transcript from the fake STT provider."

// FakeSTT is a fake STT implementation for testing.
type FakeSTT struct {
	transcript string
	preflight  bool
	streams    chan *FakeSTTStream
}

// NewFakeSTT creates a scripted fake STT provider. Streams created from it
// emit nothing on their own; tests drive them through the Emit methods.
func NewFakeSTT() *FakeSTT {
	return &FakeSTT{streams: make(chan *FakeSTTStream, 4)}
}

// NewFakeSTTWithTranscript creates a fake STT whose streams emit the given
// transcript as a final result when the audio ends.
func NewFakeSTTWithTranscript(transcript string) *FakeSTT {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	f := NewFakeSTT()
	f.transcript = transcript
	return f
}

// SetPreflight controls whether the provider advertises preflight
// transcript support.
func (f *FakeSTT) SetPreflight(enabled bool) { f.preflight = enabled }

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	s := &FakeSTTStream{
		cfg:        cfg,
		transcript: f.transcript,
		requestID:  uuid.NewString(),
		events:     make(chan stt.SpeechEvent, 32),
	}

	select {
	case f.streams <- s:
	default:
	}
	return s, nil
}

// WaitForStream returns the next stream opened through NewStream.
func (f *FakeSTT) WaitForStream(ctx context.Context) (*FakeSTTStream, error) {
	select {
	case s := <-f.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:            true,
		InterimResults:       true,
		PreflightTranscripts: f.preflight,
		SupportedLanguages:   []string{"en-US", "en-GB", "es-ES"},
		SampleRates:          []int{16000, 48000},
	}
}

// FakeSTTStream is a fake STT stream implementation.
type FakeSTTStream struct {
	cfg        stt.StreamConfig
	transcript string
	requestID  string
	events     chan stt.SpeechEvent

	mu      sync.Mutex
	frames  int
	flushes int
	closed  bool
}

// Push counts the audio frame and discards it.
func (s *FakeSTTStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrFatal
	}
	s.frames++
	return nil
}

// Flush records the segment boundary.
func (s *FakeSTTStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrFatal
	}
	s.flushes++
	return nil
}

// Events returns the events channel.
func (s *FakeSTTStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend emits the canned transcript, if any, and closes the stream.
func (s *FakeSTTStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.transcript != "" {
		s.events <- s.transcriptEvent(stt.SpeechEventFinal, s.transcript)
	}
	close(s.events)
	return nil
}

// PushedFrames reports how many frames the stream has accepted.
func (s *FakeSTTStream) PushedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Flushes reports how many segment boundaries the stream has seen.
func (s *FakeSTTStream) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// EmitInterim scripts a partial transcript.
func (s *FakeSTTStream) EmitInterim(text string) {
	s.emit(s.transcriptEvent(stt.SpeechEventInterim, text))
}

// EmitFinal scripts a final transcript.
func (s *FakeSTTStream) EmitFinal(text string) {
	s.emit(s.transcriptEvent(stt.SpeechEventFinal, text))
}

// EmitPreflight scripts an eager end-of-turn hypothesis.
func (s *FakeSTTStream) EmitPreflight(text string) {
	s.emit(s.transcriptEvent(stt.SpeechEventPreflight, text))
}

// EmitStartOfSpeech scripts the provider's own voice-activity onset.
func (s *FakeSTTStream) EmitStartOfSpeech() {
	s.emit(stt.SpeechEvent{Type: stt.SpeechEventStartOfSpeech, RequestID: s.requestID})
}

// EmitEndOfSpeech scripts the provider's own voice-activity offset.
func (s *FakeSTTStream) EmitEndOfSpeech() {
	s.emit(stt.SpeechEvent{Type: stt.SpeechEventEndOfSpeech, RequestID: s.requestID})
}

// EmitError scripts a recognition failure.
func (s *FakeSTTStream) EmitError(err error) {
	s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, RequestID: s.requestID, Error: err})
}

func (s *FakeSTTStream) emit(ev stt.SpeechEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *FakeSTTStream) transcriptEvent(typ stt.SpeechEventType, text string) stt.SpeechEvent {
	lang := s.cfg.Lang
	if lang == "" {
		lang = "en-US"
	}
	return stt.SpeechEvent{
		Type:      typ,
		RequestID: s.requestID,
		Alternatives: []stt.SpeechData{
			{Text: text, Language: lang, Confidence: 0.95},
		},
	}
}
