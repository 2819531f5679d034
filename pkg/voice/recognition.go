package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/rtc"
	"github.com/chriscow/agents-go/pkg/task"
	"github.com/chriscow/agents-go/pkg/turn"
)

// stragglerFinalWait is how long a manual commit waits for a final
// transcript that is still in flight at the provider.
const stragglerFinalWait = 500 * time.Millisecond

// EndOfTurnInfo is handed to the session when the recognizer decides the
// user finished speaking. TranscriptionDelay measures how far the final
// transcript trailed the end of speech; EndOfUtteranceDelay measures the
// full gap between the end of speech and the commitment.
type EndOfTurnInfo struct {
	NewTranscript       string
	TranscriptionDelay  time.Duration
	EndOfUtteranceDelay time.Duration
}

// RecognitionHooks is the recognizer-to-session contract. OnEndOfTurn
// returns whether the session committed the turn; on true the recognizer
// clears its accumulated transcript.
type RecognitionHooks interface {
	OnStartOfSpeech(ev vad.VADEvent)
	OnEndOfSpeech(ev vad.VADEvent)
	OnVADInferenceDone(ev vad.VADEvent)
	OnInterimTranscript(ev stt.SpeechEvent)
	OnFinalTranscript(ev stt.SpeechEvent)
	OnPreflightTranscript(ev stt.SpeechEvent)
	OnEndOfTurn(info EndOfTurnInfo) bool
	OnRecognitionError(err error, source string)

	// RetrieveChatCtx returns a snapshot of the conversation for
	// end-of-utterance scoring.
	RetrieveChatCtx() *llm.ChatContext
}

type audioRecognitionConfig struct {
	hooks               RecognitionHooks
	stt                 stt.STT
	vad                 vad.VAD
	turnDetector        turn.Detector
	mode                TurnDetectionMode
	minEndpointingDelay time.Duration
	maxEndpointingDelay time.Duration
	sampleRate          int
	lang                string
	logger              *slog.Logger
}

// audioRecognition fuses VAD events, streaming STT, and the end-of-utterance
// model into turn-level signals. One instance serves one session; it owns
// the STT stream and the VAD feed and fans incoming audio out to both.
type audioRecognition struct {
	cfg audioRecognitionConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	input     chan rtc.AudioFrame
	vadFrames chan rtc.AudioFrame
	sttStream stt.STTStream

	// armMu serializes (re-)arming of the singleton detection tasks.
	armMu      sync.Mutex
	bounceEOU  *task.Task[struct{}]
	commitTask *task.Task[struct{}]

	mu                      sync.Mutex
	audioTranscript         string
	interimTranscript       string
	lastFinalTranscriptTime time.Time
	lastSpeakingTime        time.Time
	speaking                bool
	userTurnCommitted       bool
	lastLanguage            string
	finalSignal             chan struct{}
	closed                  bool
}

func newAudioRecognition(cfg audioRecognitionConfig) *audioRecognition {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &audioRecognition{
		cfg:         cfg,
		log:         cfg.logger,
		input:       make(chan rtc.AudioFrame, 64),
		vadFrames:   make(chan rtc.AudioFrame, 64),
		finalSignal: make(chan struct{}),
	}
}

// Start opens the STT stream, starts the VAD, and begins fanning audio out.
func (r *audioRecognition) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.stt != nil {
		s, err := r.cfg.stt.NewStream(r.ctx, stt.StreamConfig{
			SampleRate:     r.cfg.sampleRate,
			NumChannels:    1,
			Lang:           r.cfg.lang,
			InterimResults: true,
		})
		if err != nil {
			r.cancel()
			return fmt.Errorf("recognition: open stt stream: %w", err)
		}
		r.sttStream = s
		r.wg.Add(1)
		go r.sttLoop()
	}

	if r.cfg.vad != nil {
		events, err := r.cfg.vad.Detect(r.ctx, r.vadFrames)
		if err != nil {
			r.cancel()
			return fmt.Errorf("recognition: start vad: %w", err)
		}
		r.wg.Add(1)
		go r.vadLoop(events)
	}

	r.wg.Add(1)
	go r.fanout()
	return nil
}

// PushFrame feeds one microphone frame into the recognizer.
func (r *audioRecognition) PushFrame(frame rtc.AudioFrame) {
	select {
	case r.input <- frame:
	case <-r.ctx.Done():
	}
}

// CurrentTranscript returns the finals accumulated this turn and the
// latest interim.
func (r *audioRecognition) CurrentTranscript() (final, interim string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioTranscript, r.interimTranscript
}

// ClearUserTurn drops any buffered transcript for the current turn.
func (r *audioRecognition) ClearUserTurn() {
	r.mu.Lock()
	r.audioTranscript = ""
	r.interimTranscript = ""
	r.userTurnCommitted = false
	r.mu.Unlock()
}

// Close stops all recognition work and waits for its goroutines.
func (r *audioRecognition) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.armMu.Lock()
	bounce, commit := r.bounceEOU, r.commitTask
	r.armMu.Unlock()
	if bounce != nil {
		bounce.Cancel()
	}
	if commit != nil {
		commit.Cancel()
	}
	if r.sttStream != nil {
		_ = r.sttStream.CloseSend()
	}
	r.cancel()
	r.wg.Wait()
}

// fanout is the single reader of the input; it feeds STT and VAD.
func (r *audioRecognition) fanout() {
	defer r.wg.Done()
	defer close(r.vadFrames)
	for {
		select {
		case <-r.ctx.Done():
			return
		case frame := <-r.input:
			if r.sttStream != nil {
				if err := r.sttStream.Push(frame); err != nil {
					r.log.Debug("stt push failed", slog.String("error", err.Error()))
				}
			}
			if r.cfg.vad != nil {
				select {
				case r.vadFrames <- frame:
				case <-r.ctx.Done():
					return
				}
			}
		}
	}
}

func (r *audioRecognition) vadLoop(events <-chan vad.VADEvent) {
	defer r.wg.Done()
	for ev := range events {
		switch ev.Type {
		case vad.VADEventSpeechStart:
			r.onSpeechStart(ev)
		case vad.VADEventInferenceDone:
			r.cfg.hooks.OnVADInferenceDone(ev)
		case vad.VADEventSpeechEnd:
			r.onSpeechEnd(ev)
		case vad.VADEventError:
			r.cfg.hooks.OnRecognitionError(ev.Error, "vad")
		}
	}
}

func (r *audioRecognition) onSpeechStart(ev vad.VADEvent) {
	r.mu.Lock()
	r.speaking = true
	r.lastSpeakingTime = time.Now()
	r.mu.Unlock()

	// The user resumed; there is no end of turn to detect anymore.
	r.cancelBounceEOU()
	r.cfg.hooks.OnStartOfSpeech(ev)
}

func (r *audioRecognition) onSpeechEnd(ev vad.VADEvent) {
	r.mu.Lock()
	r.speaking = false
	// SilenceDuration already elapsed before the detector fired; back-date
	// to the moment the utterance actually ended.
	r.lastSpeakingTime = time.Now().Add(-ev.SilenceDuration)
	r.mu.Unlock()

	r.cfg.hooks.OnEndOfSpeech(ev)
	if r.cfg.mode != TurnDetectionManual {
		r.scheduleEOU()
	}
}

func (r *audioRecognition) sttLoop() {
	defer r.wg.Done()
	for ev := range r.sttStream.Events() {
		switch ev.Type {
		case stt.SpeechEventInterim:
			r.mu.Lock()
			r.interimTranscript = ev.Text()
			if lang := ev.Language(); lang != "" {
				r.lastLanguage = lang
			}
			r.mu.Unlock()
			r.cfg.hooks.OnInterimTranscript(ev)

		case stt.SpeechEventFinal:
			r.handleFinal(ev)

		case stt.SpeechEventPreflight:
			r.mu.Lock()
			if lang := ev.Language(); lang != "" {
				r.lastLanguage = lang
			}
			r.mu.Unlock()
			r.cfg.hooks.OnPreflightTranscript(ev)

		case stt.SpeechEventStartOfSpeech:
			// Only authoritative when the provider does the endpointing.
			if r.cfg.mode == TurnDetectionSTT {
				r.onSpeechStart(vad.VADEvent{Type: vad.VADEventSpeechStart, Timestamp: time.Now(), Speaking: true})
			}
		case stt.SpeechEventEndOfSpeech:
			if r.cfg.mode == TurnDetectionSTT {
				r.onSpeechEnd(vad.VADEvent{Type: vad.VADEventSpeechEnd, Timestamp: time.Now()})
			}

		case stt.SpeechEventError:
			r.cfg.hooks.OnRecognitionError(ev.Error, "stt")
		}
	}
}

func (r *audioRecognition) handleFinal(ev stt.SpeechEvent) {
	text := strings.TrimSpace(ev.Text())
	r.mu.Lock()
	if text != "" {
		if r.audioTranscript == "" {
			r.audioTranscript = text
		} else {
			r.audioTranscript += " " + text
		}
	}
	r.interimTranscript = ""
	r.lastFinalTranscriptTime = time.Now()
	if lang := ev.Language(); lang != "" {
		r.lastLanguage = lang
	}
	close(r.finalSignal)
	r.finalSignal = make(chan struct{})
	speaking := r.speaking
	committed := r.userTurnCommitted
	r.mu.Unlock()

	r.cfg.hooks.OnFinalTranscript(ev)

	if !speaking && (r.cfg.mode != TurnDetectionManual || committed) {
		r.scheduleEOU()
	}
}

// CommitUserTurn ends the user turn explicitly (manual turn detection).
// If the provider has not delivered a final transcript yet, it waits up to
// stragglerFinalWait before folding the interim transcript in.
func (r *audioRecognition) CommitUserTurn() {
	r.armMu.Lock()
	prev := r.commitTask
	if prev != nil {
		prev.Cancel()
	}
	t := task.Go(r.ctx, func(ctx context.Context) (struct{}, error) {
		r.runCommit(ctx)
		return struct{}{}, nil
	})
	r.commitTask = t
	r.armMu.Unlock()
}

func (r *audioRecognition) runCommit(ctx context.Context) {
	r.mu.Lock()
	needFinal := r.audioTranscript == "" || r.lastFinalTranscriptTime.Before(r.lastSpeakingTime)
	sig := r.finalSignal
	r.mu.Unlock()

	if needFinal {
		timer := time.NewTimer(stragglerFinalWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-sig:
		case <-timer.C:
		}
	}

	r.mu.Lock()
	if r.audioTranscript == "" && r.interimTranscript != "" {
		r.audioTranscript = r.interimTranscript
		r.interimTranscript = ""
	}
	r.userTurnCommitted = true
	r.mu.Unlock()

	r.scheduleEOU()
}

func (r *audioRecognition) cancelBounceEOU() {
	r.armMu.Lock()
	t := r.bounceEOU
	r.bounceEOU = nil
	r.armMu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// scheduleEOU (re-)arms the end-of-utterance detection task. Only one runs
// at a time; re-arming cancels the previous instance and waits for it to
// stop before starting the next.
func (r *audioRecognition) scheduleEOU() {
	r.armMu.Lock()
	defer r.armMu.Unlock()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if prev := r.bounceEOU; prev != nil {
		_ = prev.CancelAndWait(context.Background())
	}
	r.bounceEOU = task.Go(r.ctx, func(ctx context.Context) (struct{}, error) {
		r.runEOUDetection(ctx)
		return struct{}{}, nil
	})
}

func (r *audioRecognition) runEOUDetection(ctx context.Context) {
	r.mu.Lock()
	transcript := r.audioTranscript
	lang := r.lastLanguage
	lastSpeaking := r.lastSpeakingTime
	r.mu.Unlock()

	delay := r.cfg.minEndpointingDelay
	det := r.cfg.turnDetector
	if det != nil && r.cfg.mode != TurnDetectionManual && transcript != "" && det.SupportsLanguage(lang) {
		chatCtx := r.cfg.hooks.RetrieveChatCtx()
		msgs := chatCtx.Messages()
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: transcript})
		p, err := det.PredictEndOfTurn(ctx, turn.ChatContext{Messages: msgs, Language: lang})
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			r.log.Warn("end-of-utterance prediction failed", slog.String("error", err.Error()))
		default:
			thr, terr := det.UnlikelyThreshold(lang)
			if terr == nil && p < thr {
				// The user probably has more to say; hold the turn open.
				delay = r.cfg.maxEndpointingDelay
			}
		}
	}

	if wait := time.Until(lastSpeaking.Add(delay)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	// Re-read: a straggling final may have extended the transcript while
	// we slept.
	r.mu.Lock()
	transcript = r.audioTranscript
	lastSpeaking = r.lastSpeakingTime
	lastFinal := r.lastFinalTranscriptTime
	r.mu.Unlock()
	if transcript == "" || ctx.Err() != nil {
		return
	}

	transcriptionDelay := lastFinal.Sub(lastSpeaking)
	if transcriptionDelay < 0 {
		transcriptionDelay = 0
	}
	info := EndOfTurnInfo{
		NewTranscript:       transcript,
		TranscriptionDelay:  transcriptionDelay,
		EndOfUtteranceDelay: time.Since(lastSpeaking),
	}

	if committed := r.cfg.hooks.OnEndOfTurn(info); committed {
		r.mu.Lock()
		r.audioTranscript = strings.TrimPrefix(r.audioTranscript, transcript)
		r.audioTranscript = strings.TrimSpace(r.audioTranscript)
		r.userTurnCommitted = false
		r.mu.Unlock()
	}
}
