package stt

import (
	"context"
	"sync"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// StreamAdapter turns a one-shot Recognizer into a streaming STT by running
// a VAD over the pushed audio and recognizing each utterance when the VAD
// reports end of speech.
type StreamAdapter struct {
	rec Recognizer
	vad vad.VAD
}

// NewStreamAdapter wraps rec with v. The adapter reports itself as
// streaming but produces no interim transcripts.
func NewStreamAdapter(rec Recognizer, v vad.VAD) *StreamAdapter {
	return &StreamAdapter{rec: rec, vad: v}
}

// Capabilities implements STT.
func (a *StreamAdapter) Capabilities() STTCapabilities {
	return STTCapabilities{Streaming: true}
}

// NewStream implements STT.
func (a *StreamAdapter) NewStream(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	frames := make(chan rtc.AudioFrame, 1)
	vadEvents, err := a.vad.Detect(ctx, frames)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &adapterStream{
		adapter: a,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		frames:  frames,
		events:  make(chan SpeechEvent, 8),
	}
	go s.run(ctx, vadEvents)
	return s, nil
}

type adapterStream struct {
	adapter *StreamAdapter
	cfg     StreamConfig
	ctx     context.Context
	cancel  context.CancelFunc
	frames  chan rtc.AudioFrame
	events  chan SpeechEvent

	mu     sync.Mutex
	closed bool
}

func (s *adapterStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrFatal
	}
	s.mu.Unlock()

	select {
	case s.frames <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Flush is a no-op: utterance boundaries come from the VAD.
func (s *adapterStream) Flush() error { return nil }

func (s *adapterStream) Events() <-chan SpeechEvent { return s.events }

func (s *adapterStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

func (s *adapterStream) run(ctx context.Context, vadEvents <-chan vad.VADEvent) {
	defer close(s.events)
	defer s.cancel()

	for ev := range vadEvents {
		switch ev.Type {
		case vad.VADEventSpeechStart:
			s.emit(ctx, SpeechEvent{Type: SpeechEventStartOfSpeech})

		case vad.VADEventSpeechEnd:
			s.emit(ctx, SpeechEvent{Type: SpeechEventEndOfSpeech})
			s.recognize(ctx, ev.Frames)

		case vad.VADEventError:
			s.emit(ctx, SpeechEvent{Type: SpeechEventError, Error: ev.Error})
		}
	}
}

func (s *adapterStream) emit(ctx context.Context, ev SpeechEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// recognize runs the one-shot recognizer over a finished utterance,
// retrying recoverable failures before surfacing an error event.
func (s *adapterStream) recognize(ctx context.Context, frames []rtc.AudioFrame) {
	if len(frames) == 0 {
		return
	}

	var result SpeechEvent
	err := ai.Retry(ctx, ai.DefaultRetryConfig, func(ctx context.Context) error {
		var err error
		result, err = s.adapter.rec.Recognize(ctx, frames, s.cfg)
		return err
	})
	if err != nil {
		s.emit(ctx, SpeechEvent{Type: SpeechEventError, Error: err})
		return
	}

	result.Type = SpeechEventFinal
	s.emit(ctx, result)
}
