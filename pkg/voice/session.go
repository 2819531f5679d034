package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/interruption"
	"github.com/chriscow/agents-go/pkg/stream"
	"github.com/chriscow/agents-go/pkg/tokenize"
	"github.com/chriscow/agents-go/pkg/turn"
)

// SessionConfig carries the session's default providers. An active Agent may
// override LLM and TTS per generation; STT, VAD and the turn detector are
// fixed once Start wires the recognition pipeline.
type SessionConfig struct {
	STT          stt.STT
	LLM          llm.LLM
	TTS          tts.TTS
	VAD          vad.VAD
	TurnDetector turn.Detector

	// Interruption enables adaptive overlap classification. When nil, user
	// speech over an interruptible utterance cuts it off as soon as it
	// satisfies MinInterruptionDuration and MinInterruptionWords.
	Interruption *interruption.Detector

	Options VoiceOptions
}

// StartOptions wires a session to its audio transport.
type StartOptions struct {
	// Input supplies microphone frames. Nil starts a session that is fed
	// only through GenerateReply/Say (no user audio).
	Input AudioInput

	// Output consumes synthesized agent audio. Nil discards audio, which
	// still exercises the full text pipeline.
	Output AudioOutput

	// Transcripts receives paced agent captions. Nil drops them.
	Transcripts TranscriptSink

	// InputSampleRate is the microphone rate handed to the STT stream.
	// Defaults to 16 kHz.
	InputSampleRate int

	// Language hints STT and captions. Empty lets providers decide.
	Language string
}

// preemptiveSpeech is a reply started from a preflight transcript, held
// behind the preflight gate until the final transcript confirms it.
type preemptiveSpeech struct {
	handle     *SpeechHandle
	transcript string
	createdAt  time.Time
}

// AgentSession orchestrates one voice conversation: it owns the chat
// history, fuses recognition events into user turns, schedules agent speech
// handles strictly in order, and applies the interruption policy while the
// agent is talking.
//
// A session is started once, serves one room/participant, and is closed
// exactly once. All public methods are safe for concurrent use.
type AgentSession struct {
	cfg  SessionConfig
	opts VoiceOptions
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	interruption *interruption.Detector

	// actMu is the activity lock: it guards the active agent and the
	// started/closed flags. It is never held across user callbacks or
	// speech generation.
	actMu   sync.Mutex
	agent   *Agent
	started bool
	closed  bool

	chatMu sync.Mutex
	chat   *llm.ChatContext

	input          AudioInput
	output         AudioOutput
	transcriptSync *TranscriptSynchronizer
	transcriptLang string
	inGate         audioGate

	recognition *audioRecognition

	// speech scheduling
	sched   *stream.Queue[*scheduledSpeech]
	pending atomic.Int64

	activeMu    sync.Mutex
	active      *SpeechHandle
	speakingNow *SpeechHandle

	// preemptive generation
	preMu      sync.Mutex
	preemptive *preemptiveSpeech

	// overlap classification in progress
	overlapMu      sync.Mutex
	overlapHandle  *SpeechHandle
	falseInterrupt *time.Timer

	// parent linkage for replies scheduled during a handoff's OnEnter
	handoffMu     sync.Mutex
	handoffParent *SpeechHandle

	stateMu    sync.Mutex
	agentState AgentState
	userState  UserState
	awayTimer  *time.Timer

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
}

type scheduledSpeech struct {
	handle *SpeechHandle
}

// NewAgentSession builds a session from cfg. Call Start to begin serving
// audio.
func NewAgentSession(cfg SessionConfig) *AgentSession {
	opts := cfg.Options.WithDefaults()
	return &AgentSession{
		cfg:          cfg,
		opts:         opts,
		log:          opts.Logger,
		interruption: cfg.Interruption,
		chat:         llm.NewChatContext(),
		sched:        stream.NewQueue[*scheduledSpeech](),
		events:       make(chan Event, 128),
		agentState:   AgentStateInitializing,
		userState:    UserStateListening,
	}
}

// Events streams session notifications. The channel closes after the Close
// event. Slow consumers lose events rather than stalling the session.
func (s *AgentSession) Events() <-chan Event { return s.events }

// CurrentAgent returns the active agent.
func (s *AgentSession) CurrentAgent() *Agent {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	return s.agent
}

// CurrentSpeech returns the handle currently at the front of the speech
// queue, or nil while the agent is idle.
func (s *AgentSession) CurrentSpeech() *SpeechHandle {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active
}

// AgentState returns the agent half of the conversation state.
func (s *AgentSession) AgentState() AgentState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.agentState
}

// UserState returns the user half of the conversation state.
func (s *AgentSession) UserState() UserState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.userState
}

// ChatContext returns an independent snapshot of the conversation history.
func (s *AgentSession) ChatContext() *llm.ChatContext {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	return s.chat.Copy()
}

// UpdateChatCtx replaces the session history with a copy of ctx.
func (s *AgentSession) UpdateChatCtx(ctx *llm.ChatContext) {
	s.chatMu.Lock()
	s.chat = ctx.Copy()
	s.chatMu.Unlock()
}

// Start wires the session: recognition on the input audio, the speech
// scheduler, the caption synchronizer on the output, and the initial
// agent's OnEnter hook. The session stops when ctx is cancelled or Close is
// called.
func (s *AgentSession) Start(ctx context.Context, agent *Agent, opts StartOptions) error {
	if agent == nil {
		return fmt.Errorf("voice: start requires an agent")
	}
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = 16000
	}

	s.actMu.Lock()
	if s.closed {
		s.actMu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.actMu.Unlock()
		return fmt.Errorf("voice: session already started")
	}
	s.started = true
	s.agent = agent
	s.actMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.input = opts.Input
	s.output = opts.Output
	s.transcriptLang = opts.Language

	sink := opts.Transcripts
	if sink == nil {
		sink = func(TranscriptionSegment) {}
	}
	s.transcriptSync = NewTranscriptSynchronizer(sink, TranscriptSyncOptions{
		Language: opts.Language,
		Logger:   s.log,
	})

	s.recognition = newAudioRecognition(audioRecognitionConfig{
		hooks:               sessionHooks{s},
		stt:                 s.resolveSTT(agent),
		vad:                 s.resolveVAD(agent),
		turnDetector:        s.resolveTurnDetector(agent),
		mode:                s.turnDetectionMode(agent),
		minEndpointingDelay: s.opts.MinEndpointingDelay,
		maxEndpointingDelay: s.opts.MaxEndpointingDelay,
		sampleRate:          opts.InputSampleRate,
		lang:                opts.Language,
		logger:              s.log,
	})
	if err := s.recognition.Start(s.ctx); err != nil {
		s.cancel()
		return fmt.Errorf("voice: start recognition: %w", err)
	}

	s.wg.Add(1)
	go s.scheduler()

	if s.interruption != nil {
		s.wg.Add(1)
		go s.interruptionLoop()
	}

	if s.input != nil {
		s.wg.Add(1)
		go s.inputPump()
	}

	s.resetAwayTimer()
	s.setAgentState(AgentStateListening)

	s.log.Info("agent session started",
		slog.String("agent", agent.Name()),
		slog.String("turn_detection", string(s.turnDetectionMode(agent))))

	// OnEnter may block for the length of a sub-conversation (AgentTask),
	// so it cannot hold up Start. It gets the session context: closing the
	// session unblocks any task the hook is waiting on.
	if agent.cfg.OnEnter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			agent.cfg.OnEnter(s.ctx, s)
		}()
	}
	return nil
}

// GenerateReplyOptions tunes one GenerateReply call.
type GenerateReplyOptions struct {
	// UserInput is committed to the history as a user message before the
	// reply is generated. Used for text-driven turns.
	UserInput string

	// Instructions are appended to the generation context (not the
	// history) as an extra system message for this reply only.
	Instructions string

	ToolChoice        llm.ToolChoice
	ParallelToolCalls bool

	// AllowInterruptions overrides the session default for this reply.
	AllowInterruptions *bool
}

// GenerateReply schedules an agent reply and returns its handle. The reply
// begins generating immediately but will not speak before every utterance
// queued ahead of it has finished.
func (s *AgentSession) GenerateReply(opts GenerateReplyOptions) (*SpeechHandle, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	agent := s.CurrentAgent()
	if agent == nil {
		return nil, fmt.Errorf("voice: no active agent")
	}

	if opts.UserInput != "" {
		s.persistItems(llm.NewMessage(llm.RoleUser, opts.UserInput))
	}

	h := newSpeechHandle(speechSourceGenerateReply, s.allowInterruptions(opts.AllowInterruptions), s.takeHandoffParent())
	spec := generationSpec{
		instructions:      opts.Instructions,
		toolChoice:        opts.ToolChoice,
		parallelToolCalls: opts.ParallelToolCalls,
	}
	s.startSpeech(h, agent, spec)
	return h, nil
}

// SayOptions tunes one Say call.
type SayOptions struct {
	// AddToChatCtx persists the spoken text as an assistant message.
	// Defaults to true.
	AddToChatCtx *bool

	// AllowInterruptions overrides the session default for this utterance.
	AllowInterruptions *bool
}

// Say schedules a fixed text utterance, bypassing the LLM.
func (s *AgentSession) Say(text string, opts SayOptions) (*SpeechHandle, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("voice: say requires text")
	}
	agent := s.CurrentAgent()
	if agent == nil {
		return nil, fmt.Errorf("voice: no active agent")
	}

	addToCtx := true
	if opts.AddToChatCtx != nil {
		addToCtx = *opts.AddToChatCtx
	}
	h := newSpeechHandle(speechSourceSay, s.allowInterruptions(opts.AllowInterruptions), s.takeHandoffParent())
	s.startSpeech(h, agent, generationSpec{sayText: text, addToChatCtx: addToCtx})
	return h, nil
}

// Interrupt cancels the utterance currently at the front of the queue, if
// any. Programmatic interruption ignores AllowInterruptions; that flag only
// controls whether *user speech* may cut the agent off.
func (s *AgentSession) Interrupt() {
	if h := s.CurrentSpeech(); h != nil {
		h.Interrupt()
	}
}

// CommitUserTurn ends the user's turn explicitly. Only meaningful with
// TurnDetectionManual; automatic modes commit on their own.
func (s *AgentSession) CommitUserTurn() {
	if s.isClosed() || s.recognition == nil {
		return
	}
	s.recognition.CommitUserTurn()
}

// ClearUserTurn discards the transcript accumulated for the current user
// turn without committing it.
func (s *AgentSession) ClearUserTurn() {
	if s.recognition != nil {
		s.recognition.ClearUserTurn()
	}
}

// UpdateAgent swaps the active agent: the outgoing agent's OnExit runs,
// then the swap, then the incoming agent's OnEnter. Both hooks run without
// internal locks held, so they may call back into the session freely.
func (s *AgentSession) UpdateAgent(ctx context.Context, agent *Agent) error {
	return s.swapAgent(ctx, agent, true, true)
}

// activateTaskAgent swaps in a task's nested agent without running the
// previous agent's OnExit: the previous agent is suspended, not replaced.
func (s *AgentSession) activateTaskAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	s.actMu.Lock()
	prev := s.agent
	s.actMu.Unlock()
	if err := s.swapAgent(ctx, agent, false, true); err != nil {
		return nil, err
	}
	return prev, nil
}

// restoreAgent reinstates the agent that was active before an AgentTask.
// The task agent's OnExit runs; the restored agent's OnEnter does not (it
// already ran when the agent first became active, and is typically where
// the task itself was started).
func (s *AgentSession) restoreAgent(ctx context.Context, prev *Agent) error {
	return s.swapAgent(ctx, prev, true, false)
}

func (s *AgentSession) swapAgent(ctx context.Context, agent *Agent, fireExit, fireEnter bool) error {
	if agent == nil {
		return fmt.Errorf("voice: update requires an agent")
	}
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.actMu.Lock()
	old := s.agent
	s.actMu.Unlock()
	if old == agent {
		return nil
	}

	if fireExit && old != nil && old.cfg.OnExit != nil {
		old.cfg.OnExit(ctx, s)
	}

	s.actMu.Lock()
	s.agent = agent
	s.actMu.Unlock()

	s.log.Info("active agent changed",
		slog.String("from", agentName(old)),
		slog.String("to", agent.Name()))

	if fireEnter && agent.cfg.OnEnter != nil {
		agent.cfg.OnEnter(ctx, s)
	}
	return nil
}

// Drain waits until every scheduled utterance has finished playing. It does
// not block new speech from being scheduled; callers stop producing first.
func (s *AgentSession) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the session: in-flight speech is cancelled, recognition and
// synchronization shut down, and the Close event is emitted before the
// event channel closes. Close never fails; repeated calls are no-ops.
func (s *AgentSession) Close() error {
	s.actMu.Lock()
	if s.closed {
		s.actMu.Unlock()
		return nil
	}
	s.closed = true
	agent := s.agent
	started := s.started
	s.actMu.Unlock()

	if agent != nil && agent.cfg.OnExit != nil {
		agent.cfg.OnExit(context.Background(), s)
	}

	if started {
		if h := s.CurrentSpeech(); h != nil {
			h.Interrupt()
		}
		s.cancel()
		s.recognition.Close()
		s.sched.Close()
		if s.interruption != nil {
			_ = s.interruption.Close()
		}
		s.wg.Wait()
		s.transcriptSync.Close()
	}

	s.stateMu.Lock()
	if s.awayTimer != nil {
		s.awayTimer.Stop()
	}
	s.stateMu.Unlock()

	s.emit(Event{Type: EventClose, Reason: "session closed"})
	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()

	s.log.Info("agent session closed")
	return nil
}

func (s *AgentSession) isClosed() bool {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	return s.closed
}

// startSpeech registers a handle with the scheduler and starts its
// generation immediately so provider latency overlaps the wait for its turn
// to speak.
func (s *AgentSession) startSpeech(h *SpeechHandle, agent *Agent, spec generationSpec) {
	h.transitionTo(SpeechStateScheduled)
	s.pending.Add(1)
	s.emit(Event{Type: EventSpeechCreated, Speech: h, SpeechSource: h.Source()})
	s.setAgentState(AgentStateThinking)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGeneration(h, agent, spec)
	}()

	if err := s.sched.Put(&scheduledSpeech{handle: h}); err != nil {
		// Session closing; unwind the handle.
		h.Interrupt()
	}
}

// scheduler serializes playout: one handle at a time is released through
// its parent_done gate, then awaited until terminal.
func (s *AgentSession) scheduler() {
	defer s.wg.Done()
	for {
		sp, err := s.sched.Next(s.ctx)
		if err != nil {
			return
		}
		h := sp.handle

		s.activeMu.Lock()
		s.active = h
		s.activeMu.Unlock()

		h.releaseGate(GateParentDone)

		select {
		case <-h.Done():
		case <-s.ctx.Done():
			h.Interrupt()
			<-h.Done()
		}
		s.pending.Add(-1)

		s.activeMu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.activeMu.Unlock()

		if s.sched.Len() == 0 && s.pending.Load() == 0 {
			s.setAgentState(AgentStateListening)
		}
	}
}

// inputPump feeds microphone frames into recognition and, when configured,
// the overlap classifier. Frames are discarded while an uninterruptible
// utterance plays and the discard policy is on.
func (s *AgentSession) inputPump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.input.Frames():
			if !ok {
				return
			}
			if s.inGate.Discarding() {
				continue
			}
			if s.interruption != nil {
				s.interruption.PushFrame(frame)
			}
			s.recognition.PushFrame(frame)
		}
	}
}

// interruptionLoop applies the overlap classifier's verdicts to the handle
// whose playback the overlap started against.
func (s *AgentSession) interruptionLoop() {
	defer s.wg.Done()
	for ev := range s.interruption.Events() {
		switch ev.Type {
		case interruption.EventInterruption:
			h := s.takeOverlapHandle()
			if h == nil {
				continue
			}
			s.log.Info("user interruption detected",
				slog.String("speech_id", h.ID()),
				slog.Float64("probability", ev.Probability),
				slog.Duration("detection_delay", ev.DetectionDelay))
			h.Interrupt()

		case interruption.EventOverlapSpeechEnded:
			if ev.IsInterruption {
				// The interruption event already settled this overlap.
				continue
			}
			h := s.takeOverlapHandle()
			if h == nil {
				continue
			}
			s.log.Debug("overlap was not an interruption, resuming playback",
				slog.String("speech_id", h.ID()),
				slog.Float64("probability", ev.Probability))
			h.resumeOutput()
		}
	}
}

// beginOverlap pauses the playing handle and hands the overlap to the
// classifier. A safety timer resumes playback if no verdict ever arrives.
func (s *AgentSession) beginOverlap(h *SpeechHandle, speechDuration time.Duration) {
	s.overlapMu.Lock()
	if s.overlapHandle != nil {
		s.overlapMu.Unlock()
		return
	}
	s.overlapHandle = h
	if s.opts.FalseInterruptionTimeout > 0 {
		s.falseInterrupt = time.AfterFunc(s.opts.FalseInterruptionTimeout, func() {
			if h := s.takeOverlapHandle(); h != nil {
				s.log.Debug("overlap classification timed out, resuming playback",
					slog.String("speech_id", h.ID()))
				h.resumeOutput()
			}
		})
	}
	s.overlapMu.Unlock()

	h.pauseOutput()
	s.interruption.OverlapSpeechStarted(speechDuration, time.Now().Add(-speechDuration))
}

// takeOverlapHandle claims the overlap target, stopping the safety timer.
// Returns nil if the overlap was already settled.
func (s *AgentSession) takeOverlapHandle() *SpeechHandle {
	s.overlapMu.Lock()
	defer s.overlapMu.Unlock()
	h := s.overlapHandle
	s.overlapHandle = nil
	if s.falseInterrupt != nil {
		s.falseInterrupt.Stop()
		s.falseInterrupt = nil
	}
	return h
}

// maybeDirectInterrupt applies the non-adaptive interruption policy: user
// speech cuts the agent off once it is long enough and wordy enough.
func (s *AgentSession) maybeDirectInterrupt(speechDuration time.Duration) {
	h := s.CurrentSpeech()
	if h == nil || !h.AllowInterruptions() || h.State() != SpeechStatePlaying {
		return
	}
	if speechDuration < s.opts.MinInterruptionDuration {
		return
	}
	if s.opts.MinInterruptionWords > 0 {
		final, interim := s.recognition.CurrentTranscript()
		text := strings.TrimSpace(final + " " + interim)
		if len(strings.Fields(text)) < s.opts.MinInterruptionWords {
			return
		}
	}
	s.log.Info("interrupting agent speech",
		slog.String("speech_id", h.ID()),
		slog.Duration("speech_duration", speechDuration))
	h.Interrupt()
}

// beginAgentSpeech marks playout start for h: state, the overlap
// classifier's buffering window, and the input discard policy.
func (s *AgentSession) beginAgentSpeech(h *SpeechHandle) {
	s.activeMu.Lock()
	s.speakingNow = h
	s.activeMu.Unlock()

	s.setAgentState(AgentStateSpeaking)
	s.resetAwayTimer()
	if s.interruption != nil {
		s.interruption.AgentSpeechStarted()
	}
	if !h.AllowInterruptions() && s.opts.DiscardAudioIfUninterruptible {
		s.inGate.SetDiscard(true)
	}
}

// endAgentSpeech undoes beginAgentSpeech. Safe to call for handles that
// never reached playout.
func (s *AgentSession) endAgentSpeech(h *SpeechHandle) {
	s.activeMu.Lock()
	wasSpeaking := s.speakingNow == h
	if wasSpeaking {
		s.speakingNow = nil
	}
	s.activeMu.Unlock()
	if !wasSpeaking {
		return
	}

	s.inGate.SetDiscard(false)
	if s.interruption != nil {
		s.interruption.AgentSpeechEnded()
	}
	if got := s.takeOverlapHandle(); got != nil && got != h && !got.State().Terminal() {
		// An overlap against h can no longer resolve; unblock the other
		// handle rather than leaving it paused.
		got.resumeOutput()
	}
}

// performHandoff swaps the active agent after a tool returned a Handoff.
// Replies scheduled by the incoming agent's OnEnter chain to the handle
// that carried the tool call, so interrupting the chain cancels all of it.
func (s *AgentSession) performHandoff(h *SpeechHandle, handoff *Handoff) {
	if handoff.Agent == nil {
		s.log.Warn("handoff with no agent ignored", slog.String("speech_id", h.ID()))
		return
	}
	s.handoffMu.Lock()
	s.handoffParent = h
	s.handoffMu.Unlock()
	defer func() {
		s.handoffMu.Lock()
		s.handoffParent = nil
		s.handoffMu.Unlock()
	}()

	if err := s.UpdateAgent(s.ctx, handoff.Agent); err != nil {
		s.emitError(fmt.Errorf("agent handoff: %w", err), false)
	}
}

func (s *AgentSession) takeHandoffParent() *SpeechHandle {
	s.handoffMu.Lock()
	defer s.handoffMu.Unlock()
	return s.handoffParent
}

// onEndOfTurn commits a user turn: resolve any preemptive reply, persist
// the user message, run the agent hook, then schedule the reply. Returns
// true so the recognizer clears its transcript buffer.
func (s *AgentSession) onEndOfTurn(info EndOfTurnInfo) bool {
	if s.isClosed() {
		return false
	}
	agent := s.CurrentAgent()
	if agent == nil {
		return false
	}

	// A committed turn while the agent is still talking means the
	// interruption policy already decided the user may take the floor.
	pre := s.takePreemptive()
	var confirmed *preemptiveSpeech
	if pre != nil {
		if !pre.handle.State().Terminal() &&
			tokenize.NormalizeText(pre.transcript) == tokenize.NormalizeText(info.NewTranscript) {
			confirmed = pre
		} else {
			s.log.Debug("preflight transcript mismatch, discarding preemptive reply",
				slog.String("speech_id", pre.handle.ID()))
			pre.handle.Interrupt()
		}
	}

	userMsg := llm.NewMessage(llm.RoleUser, info.NewTranscript)
	s.persistItems(userMsg)
	s.emit(Event{
		Type:       EventUserInputTranscribed,
		Transcript: info.NewTranscript,
		IsFinal:    true,
		Language:   s.transcriptLang,
	})
	s.resetAwayTimer()

	suppress := false
	hookStart := time.Now()
	if agent.cfg.OnUserTurnCompleted != nil {
		err := agent.cfg.OnUserTurnCompleted(s.ctx, s.ChatContext(), &userMsg)
		switch {
		case errors.Is(err, ErrStopResponse):
			suppress = true
		case err != nil:
			s.emitError(fmt.Errorf("on user turn completed: %w", err), true)
		}
	}

	s.emitMetrics(&Metrics{
		Kind:                     "eou",
		TranscriptionDelay:       info.TranscriptionDelay,
		EndOfUtteranceDelay:      info.EndOfUtteranceDelay,
		OnUserTurnCompletedDelay: time.Since(hookStart),
	})

	if suppress {
		if confirmed != nil {
			confirmed.handle.Interrupt()
		}
		return true
	}

	if confirmed != nil {
		s.log.Debug("preflight transcript confirmed, releasing preemptive reply",
			slog.String("speech_id", confirmed.handle.ID()))
		confirmed.handle.releaseGate(GatePreflightConfirmed)
		return true
	}

	h := newSpeechHandle(speechSourceGenerateReply, s.opts.AllowInterruptions, nil)
	s.startSpeech(h, agent, generationSpec{})
	return true
}

// onPreflightTranscript starts a reply from an eager end-of-turn hypothesis
// when preemptive generation is enabled. Audio stays gated until the final
// transcript confirms the hypothesis.
func (s *AgentSession) onPreflightTranscript(ev stt.SpeechEvent) {
	if !s.opts.PreemptiveGeneration || s.isClosed() {
		return
	}
	text := strings.TrimSpace(ev.Text())
	if text == "" {
		return
	}
	agent := s.CurrentAgent()
	if agent == nil {
		return
	}

	s.preMu.Lock()
	if cur := s.preemptive; cur != nil {
		if tokenize.NormalizeText(cur.transcript) == tokenize.NormalizeText(text) {
			// Same hypothesis; the warm handle stands.
			s.preMu.Unlock()
			return
		}
		s.preemptive = nil
		s.preMu.Unlock()
		cur.handle.Interrupt()
	} else {
		s.preMu.Unlock()
	}

	h := newSpeechHandle(speechSourcePreemptive, s.opts.AllowInterruptions, nil)
	h.holdGate(GatePreflightConfirmed)

	s.preMu.Lock()
	s.preemptive = &preemptiveSpeech{handle: h, transcript: text, createdAt: time.Now()}
	s.preMu.Unlock()

	s.log.Debug("starting preemptive generation", slog.String("speech_id", h.ID()))
	s.startSpeech(h, agent, generationSpec{userMessage: text})
}

func (s *AgentSession) takePreemptive() *preemptiveSpeech {
	s.preMu.Lock()
	defer s.preMu.Unlock()
	pre := s.preemptive
	s.preemptive = nil
	return pre
}

// persistItems commits items to the session history and announces them.
func (s *AgentSession) persistItems(items ...llm.ChatItem) {
	s.chatMu.Lock()
	s.chat.Insert(items...)
	s.chatMu.Unlock()
	for i := range items {
		item := items[i]
		s.emit(Event{Type: EventConversationItemAdded, Item: &item})
	}
}

// persistAssistantMessage records what the agent said, marking interrupted
// replies so the history reflects only what the user heard.
func (s *AgentSession) persistAssistantMessage(text string, interrupted bool) {
	item := llm.NewMessage(llm.RoleAssistant, text)
	item.Interrupted = interrupted
	s.persistItems(item)
}

func (s *AgentSession) resolveSTT(agent *Agent) stt.STT {
	if agent != nil && agent.cfg.STT != nil {
		return agent.cfg.STT
	}
	return s.cfg.STT
}

func (s *AgentSession) resolveLLM(agent *Agent) llm.LLM {
	if agent != nil && agent.cfg.LLM != nil {
		return agent.cfg.LLM
	}
	return s.cfg.LLM
}

func (s *AgentSession) resolveTTS(agent *Agent) tts.TTS {
	if agent != nil && agent.cfg.TTS != nil {
		return agent.cfg.TTS
	}
	return s.cfg.TTS
}

func (s *AgentSession) resolveVAD(agent *Agent) vad.VAD {
	if agent != nil && agent.cfg.VAD != nil {
		return agent.cfg.VAD
	}
	return s.cfg.VAD
}

func (s *AgentSession) resolveTurnDetector(agent *Agent) turn.Detector {
	if agent != nil && agent.cfg.TurnDetector != nil {
		return agent.cfg.TurnDetector
	}
	return s.cfg.TurnDetector
}

func (s *AgentSession) turnDetectionMode(agent *Agent) TurnDetectionMode {
	if s.opts.TurnDetection != "" {
		return s.opts.TurnDetection
	}
	if s.resolveVAD(agent) != nil {
		return TurnDetectionVAD
	}
	return TurnDetectionSTT
}

func (s *AgentSession) allowInterruptions(override *bool) bool {
	if override != nil {
		return *override
	}
	return s.opts.AllowInterruptions
}

func (s *AgentSession) setAgentState(state AgentState) {
	s.stateMu.Lock()
	old := s.agentState
	if old == state {
		s.stateMu.Unlock()
		return
	}
	s.agentState = state
	s.stateMu.Unlock()
	s.emit(Event{Type: EventAgentStateChanged, OldAgentState: old, NewAgentState: state})
}

func (s *AgentSession) setUserState(state UserState) {
	s.stateMu.Lock()
	old := s.userState
	if old == state {
		s.stateMu.Unlock()
		return
	}
	s.userState = state
	s.stateMu.Unlock()
	s.emit(Event{Type: EventUserStateChanged, OldUserState: old, NewUserState: state})
}

// resetAwayTimer re-arms away detection after any sign of life.
func (s *AgentSession) resetAwayTimer() {
	if s.opts.UserAwayTimeout <= 0 {
		return
	}
	s.stateMu.Lock()
	if s.awayTimer != nil {
		s.awayTimer.Stop()
	}
	s.awayTimer = time.AfterFunc(s.opts.UserAwayTimeout, func() {
		s.setUserState(UserStateAway)
	})
	s.stateMu.Unlock()
}

func (s *AgentSession) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session event dropped", slog.String("type", string(ev.Type)))
	}
}

func (s *AgentSession) emitError(err error, recoverable bool) {
	if recoverable {
		recoverable = ai.IsRecoverable(err)
	}
	s.emit(Event{Type: EventError, Err: err, Recoverable: recoverable})
}

func (s *AgentSession) emitMetrics(m *Metrics) {
	s.emit(Event{Type: EventMetricsCollected, Metrics: m})
}

func agentName(a *Agent) string {
	if a == nil {
		return ""
	}
	return a.Name()
}

// sessionHooks adapts the session to the recognizer's callback contract
// without exporting the hooks on AgentSession itself.
type sessionHooks struct {
	s *AgentSession
}

func (h sessionHooks) OnStartOfSpeech(ev vad.VADEvent) {
	s := h.s
	s.setUserState(UserStateSpeaking)
	s.resetAwayTimer()

	active := s.CurrentSpeech()
	if active == nil || active.State() != SpeechStatePlaying || !active.AllowInterruptions() {
		return
	}
	if s.interruption != nil {
		s.beginOverlap(active, ev.SpeechDuration)
		return
	}
	// No classifier: interrupt as soon as the policy thresholds pass.
	s.maybeDirectInterrupt(ev.SpeechDuration)
}

func (h sessionHooks) OnEndOfSpeech(ev vad.VADEvent) {
	s := h.s
	s.setUserState(UserStateListening)
	s.resetAwayTimer()
	if s.interruption != nil {
		s.overlapMu.Lock()
		engaged := s.overlapHandle != nil
		s.overlapMu.Unlock()
		if engaged {
			s.interruption.OverlapSpeechEnded()
		}
	}
}

func (h sessionHooks) OnVADInferenceDone(ev vad.VADEvent) {
	s := h.s
	if ev.Speaking && s.interruption == nil {
		s.maybeDirectInterrupt(ev.SpeechDuration)
	}
	if ev.Speaking && s.interruption != nil {
		s.overlapMu.Lock()
		engaged := s.overlapHandle != nil
		s.overlapMu.Unlock()
		if engaged && ev.SpeechDuration >= s.opts.MinInterruptionDuration {
			// Enough sustained speech for a full classifier window; ask
			// for an early verdict instead of waiting out the interval.
			s.interruption.Flush()
		}
	}
}

func (h sessionHooks) OnInterimTranscript(ev stt.SpeechEvent) {
	s := h.s
	s.emit(Event{
		Type:       EventUserInputTranscribed,
		Transcript: ev.Text(),
		IsFinal:    false,
		Language:   ev.Language(),
	})
	if s.interruption == nil {
		// Word-count policy can trip mid-utterance as transcripts grow.
		s.maybeDirectInterrupt(s.opts.MinInterruptionDuration)
	}
}

func (h sessionHooks) OnFinalTranscript(ev stt.SpeechEvent) {
	h.s.resetAwayTimer()
}

func (h sessionHooks) OnPreflightTranscript(ev stt.SpeechEvent) {
	h.s.onPreflightTranscript(ev)
}

func (h sessionHooks) OnEndOfTurn(info EndOfTurnInfo) bool {
	return h.s.onEndOfTurn(info)
}

func (h sessionHooks) OnRecognitionError(err error, source string) {
	s := h.s
	s.log.Error("recognition error",
		slog.String("source", source),
		slog.String("error", err.Error()))
	s.emitError(fmt.Errorf("%s: %w", source, err), true)
}

func (h sessionHooks) RetrieveChatCtx() *llm.ChatContext {
	s := h.s
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	return s.chat.Copy(llm.ExcludeInstructions(), llm.ExcludeFunctionCalls(), llm.ExcludeEmptyMessages())
}
