package tts

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/stream"
	"github.com/chriscow/agents-go/pkg/tokenize"
)

// StreamAdapter adds incremental synthesis on top of a one-shot TTS.
// Pushed text is split into sentences; each completed sentence is
// synthesized as its own segment, so audio starts before the full reply is
// known.
type StreamAdapter struct {
	tts TTS
}

// NewStreamAdapter wraps t. If t already streams, it is returned unchanged.
func NewStreamAdapter(t TTS) TTS {
	if t.Capabilities().Streaming {
		return t
	}
	return &StreamAdapter{tts: t}
}

func (a *StreamAdapter) Synthesize(ctx context.Context, text string, cfg SynthesizeConfig) (<-chan SynthesizedAudio, error) {
	return a.tts.Synthesize(ctx, text, cfg)
}

func (a *StreamAdapter) SampleRate() int { return a.tts.SampleRate() }

func (a *StreamAdapter) Capabilities() TTSCapabilities {
	caps := a.tts.Capabilities()
	caps.Streaming = true
	return caps
}

func (a *StreamAdapter) NewStream(ctx context.Context, cfg SynthesizeConfig) (SynthesizeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &adapterStream{
		tts:       a.tts,
		cfg:       cfg.WithDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		requestID: uuid.NewString(),
		sentences: tokenize.NewSentenceTokenizer(tokenize.DefaultMinSentenceLen),
		segments:  stream.NewQueue[string](),
		events:    make(chan SynthesizedAudio, 8),
	}
	go s.run()
	return s, nil
}

type adapterStream struct {
	tts       TTS
	cfg       SynthesizeConfig
	ctx       context.Context
	cancel    context.CancelFunc
	requestID string
	events    chan SynthesizedAudio

	mu        sync.Mutex
	sentences *tokenize.SentenceTokenizer
	segments  *stream.Queue[string]
}

func (s *adapterStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sentence := range s.sentences.Push(text) {
		if err := s.segments.Put(sentence); err != nil {
			return err
		}
	}
	return nil
}

func (s *adapterStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rest := range s.sentences.Flush() {
		if err := s.segments.Put(rest); err != nil {
			return err
		}
	}
	return nil
}

func (s *adapterStream) EndInput() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.segments.Close()
	return nil
}

func (s *adapterStream) Events() <-chan SynthesizedAudio { return s.events }

func (s *adapterStream) Close() error {
	s.cancel()
	s.segments.Close()
	return nil
}

func (s *adapterStream) run() {
	defer close(s.events)
	defer s.cancel()

	for {
		text, err := s.segments.Next(s.ctx)
		if err != nil {
			return
		}
		if !s.synthesizeSegment(text) {
			return
		}
	}
}

// synthesizeSegment runs one sentence through the wrapped TTS, restamping
// chunks with this stream's request id and a fresh segment id. The last
// chunk of each segment is marked final regardless of what the wrapped
// provider reported.
func (s *adapterStream) synthesizeSegment(text string) bool {
	segmentID := uuid.NewString()

	ch, err := s.tts.Synthesize(s.ctx, text, s.cfg)
	if err != nil {
		s.emit(SynthesizedAudio{RequestID: s.requestID, SegmentID: segmentID, Error: err})
		return false
	}

	var pending *SynthesizedAudio
	for chunk := range ch {
		if chunk.Error != nil {
			s.emit(SynthesizedAudio{RequestID: s.requestID, SegmentID: segmentID, Error: chunk.Error})
			return false
		}
		if pending != nil {
			if !s.emit(*pending) {
				return false
			}
		}
		chunk.RequestID = s.requestID
		chunk.SegmentID = segmentID
		chunk.IsFinal = false
		pending = &chunk
	}
	if pending != nil {
		pending.IsFinal = true
		return s.emit(*pending)
	}
	return true
}

func (s *adapterStream) emit(chunk SynthesizedAudio) bool {
	select {
	case s.events <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}
