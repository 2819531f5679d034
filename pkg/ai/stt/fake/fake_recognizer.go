package fake

import (
	"context"
	"sync"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// FakeRecognizer is a scripted one-shot recognizer for StreamAdapter tests.
// Each Recognize call returns the next canned transcript.
type FakeRecognizer struct {
	mu          sync.Mutex
	transcripts []string
	calls       int
	failures    int
}

// NewFakeRecognizer creates a recognizer that replies with the given
// transcripts in order, repeating the last one when they run out.
func NewFakeRecognizer(transcripts ...string) *FakeRecognizer {
	if len(transcripts) == 0 {
		transcripts = []string{DefaultTranscript}
	}
	return &FakeRecognizer{transcripts: transcripts}
}

// FailTimes makes the next n Recognize calls return a recoverable error.
func (r *FakeRecognizer) FailTimes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

// Calls reports how many times Recognize ran, including failed attempts.
func (r *FakeRecognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Recognize implements stt.Recognizer.
func (r *FakeRecognizer) Recognize(ctx context.Context, frames []rtc.AudioFrame, cfg stt.StreamConfig) (stt.SpeechEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.failures > 0 {
		r.failures--
		return stt.SpeechEvent{}, ai.NewConnectionError("fake recognizer unavailable", nil)
	}

	idx := r.calls - 1
	if idx >= len(r.transcripts) {
		idx = len(r.transcripts) - 1
	}

	lang := cfg.Lang
	if lang == "" {
		lang = "en-US"
	}
	return stt.SpeechEvent{
		Type: stt.SpeechEventFinal,
		Alternatives: []stt.SpeechData{
			{Text: r.transcripts[idx], Language: lang, Confidence: 0.9},
		},
	}, nil
}
