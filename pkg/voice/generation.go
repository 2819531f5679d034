package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/stream"
)

// generationSpec describes one utterance to produce.
type generationSpec struct {
	// instructions are extra per-reply directions appended as a system
	// message to the generation context only.
	instructions string

	toolChoice        llm.ToolChoice
	parallelToolCalls bool

	// sayText, when set, bypasses the LLM entirely.
	sayText      string
	addToChatCtx bool

	// userMessage is a pending user utterance that is part of this
	// generation but not yet committed to the session history. Used by
	// preemptive generation, which starts from a preflight transcript.
	userMessage string
}

type audioResult struct {
	played       bool
	firstAudioAt time.Time
	position     time.Duration
	interrupted  bool
	err          error
}

// runGeneration drives one speech handle end to end: LLM stream (or plain
// text for Say), tool-call steps, TTS synthesis, gated audio forwarding,
// and chat history persistence. It always leaves the handle in a terminal
// state.
func (s *AgentSession) runGeneration(h *SpeechHandle, agent *Agent, spec generationSpec) {
	gctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	h.setInterruptFn(func() {
		cancel()
		if h.State() == SpeechStatePlaying && s.output != nil {
			s.output.ClearBuffer()
		}
	})

	ttsProv := s.resolveTTS(agent)
	var synth tts.SynthesizeStream
	if ttsProv != nil {
		st, err := tts.NewStreamAdapter(ttsProv).NewStream(gctx, tts.SynthesizeConfig{Language: s.transcriptLang})
		if err != nil {
			s.failSpeech(h, fmt.Errorf("open tts stream: %w", err), false, audioResult{})
			return
		}
		synth = st
		defer synth.Close()
	}

	// Caption text is withheld from the synchronizer until the handle is
	// authorized, so a discarded preemptive reply never surfaces captions.
	captionQ := stream.NewQueue[string]()
	audioDone := make(chan audioResult, 1)
	startedAt := time.Now()
	go s.forwardSpeechAudio(gctx, h, synth, captionQ, audioDone)

	var (
		replyText    strings.Builder
		firstTokenAt time.Time
	)
	pushText := func(delta string) {
		if firstTokenAt.IsZero() {
			firstTokenAt = time.Now()
		}
		replyText.WriteString(delta)
		if synth != nil {
			_ = synth.PushText(delta)
		}
		_ = captionQ.Put(delta)
	}

	var (
		llmErr  error
		handoff *Handoff
		steps   int
	)
	if spec.sayText != "" {
		pushText(spec.sayText)
	} else {
		handoff, steps, llmErr = s.runLLMSteps(gctx, h, agent, spec, pushText)
	}

	if synth != nil {
		_ = synth.EndInput()
	}
	captionQ.Close()
	ar := <-audioDone

	interrupted := h.Interrupted() || (gctx.Err() != nil && llmErr == nil && ar.err == nil)

	switch {
	case interrupted:
		s.finishInterrupted(h, ar, spec, replyText.String())
	case llmErr != nil:
		s.failSpeech(h, llmErr, ar.played, ar)
	case ar.err != nil:
		s.failSpeech(h, ar.err, ar.played, ar)
	default:
		var playedTranscript string
		if ar.played {
			playedTranscript = s.transcriptSync.MarkPlaybackFinished(false)
		}
		finalText := strings.TrimSpace(replyText.String())
		if playedTranscript == "" {
			playedTranscript = finalText
		}
		if finalText != "" && (spec.sayText == "" || spec.addToChatCtx) {
			s.persistAssistantMessage(finalText, false)
		}
		h.setPlaybackInfo(ar.position, playedTranscript)
		h.markDone(SpeechStateCompleted, nil)
		s.emitMetrics(&Metrics{
			Kind:             "generation",
			SpeechID:         h.ID(),
			TimeToFirstToken: sinceOrZero(startedAt, firstTokenAt),
			TimeToFirstAudio: sinceOrZero(startedAt, ar.firstAudioAt),
			ToolSteps:        steps,
			PlaybackPosition: ar.position,
		})
	}

	s.endAgentSpeech(h)

	if handoff != nil && !h.Interrupted() {
		s.performHandoff(h, handoff)
	}
}

// runLLMSteps executes the LLM -> tools -> LLM loop, streaming text deltas
// through pushText. It returns once the model answers without tool calls,
// the step budget is spent, a handoff is requested, or the stream fails.
func (s *AgentSession) runLLMSteps(gctx context.Context, h *SpeechHandle, agent *Agent, spec generationSpec, pushText func(string)) (handoff *Handoff, steps int, err error) {
	llmProv := s.resolveLLM(agent)
	if llmProv == nil {
		return nil, 0, fmt.Errorf("no llm configured")
	}

	toolCtx, terr := agent.toolContext()
	if terr != nil {
		return nil, 0, fmt.Errorf("build tool context: %w", terr)
	}
	defs := toolCtx.Definitions()

	chatCopy := s.buildGenerationContext(agent, spec)
	toolChoice := spec.toolChoice
	parallel := spec.parallelToolCalls && llmProv.Capabilities().SupportsFunctions

	for {
		h.setStepIndex(steps)
		cs, serr := llmProv.ChatStream(gctx, llm.ChatRequest{
			Chat:              chatCopy,
			Tools:             defs,
			ToolChoice:        toolChoice,
			ParallelToolCalls: parallel,
		})
		if serr != nil {
			return nil, steps, fmt.Errorf("open llm stream: %w", serr)
		}

		stepText, calls, cerr := collectLLMStream(gctx, cs, pushText)
		_ = cs.Close()
		if cerr != nil {
			return nil, steps, cerr
		}

		if len(calls) == 0 {
			return nil, steps, nil
		}
		if steps >= s.opts.MaxToolSteps {
			s.log.Warn("tool step budget exhausted, ignoring further tool calls",
				slog.String("speech_id", h.ID()),
				slog.Int("max_tool_steps", s.opts.MaxToolSteps))
			return nil, steps, nil
		}

		// Tool calls act on the outside world and their items land in the
		// shared history. Neither may happen while playout is still gated:
		// a preemptive reply can be discarded on a transcript mismatch,
		// and its user message is not committed until the turn is.
		if aerr := h.waitAuthorized(gctx); aerr != nil {
			return nil, steps, aerr
		}

		// Text spoken alongside tool calls becomes its own assistant
		// message so the next step sees it.
		if stepText != "" {
			msg := llm.NewMessage(llm.RoleAssistant, stepText)
			chatCopy.Insert(msg)
			s.persistItems(msg)
		}

		results := s.executeToolCalls(gctx, h, agent, toolCtx, calls, parallel)
		for _, res := range results {
			chatCopy.Insert(res.callItem, res.outputItem)
			s.persistItems(res.callItem, res.outputItem)
			if res.handoff != nil && handoff == nil {
				handoff = res.handoff
			}
		}

		steps++
		if handoff != nil || gctx.Err() != nil {
			return handoff, steps, gctx.Err()
		}
		toolChoice = llm.ToolChoiceAuto
	}
}

// forwardSpeechAudio waits for playout authorization, then moves TTS frames
// to the room output and feeds the caption synchronizer. It reports how
// playout ended on done.
func (s *AgentSession) forwardSpeechAudio(ctx context.Context, h *SpeechHandle, synth tts.SynthesizeStream, captionQ *stream.Queue[string], done chan<- audioResult) {
	var res audioResult
	captionsDone := make(chan struct{})
	captionsRunning := false
	defer func() {
		// The caption forwarder must drain before the result is reported:
		// runGeneration rotates the transcript segment as soon as it has
		// the result, and any delta still in flight would miss it. The
		// queue is closed (or ctx cancelled) before runGeneration reads
		// done, so this wait always terminates.
		if !captionsRunning {
			close(captionsDone)
		}
		<-captionsDone
		done <- res
	}()

	if err := h.waitAuthorized(ctx); err != nil {
		return
	}
	h.transitionTo(SpeechStateGenerating)

	// Captions flow only after authorization.
	captionsRunning = true
	go func() {
		defer close(captionsDone)
		for {
			delta, err := captionQ.Next(ctx)
			if err != nil {
				return
			}
			s.transcriptSync.PushText(delta)
		}
	}()

	if synth == nil {
		// Text-only session; nothing to play.
		return
	}

	for ev := range synth.Events() {
		if ev.Error != nil {
			res.err = ev.Error
			return
		}
		if ev.Frame.IsEmpty() {
			continue
		}
		if err := h.waitIfPaused(ctx); err != nil {
			res.interrupted = true
			return
		}
		if !res.played {
			res.played = true
			res.firstAudioAt = time.Now()
			h.transitionTo(SpeechStatePlaying)
			s.beginAgentSpeech(h)
		}
		if s.output != nil {
			if err := s.output.WriteFrame(ctx, ev.Frame); err != nil {
				if ctx.Err() == nil {
					res.err = fmt.Errorf("write audio frame: %w", err)
				}
				res.interrupted = ctx.Err() != nil
				return
			}
		}
		s.transcriptSync.PushAudio(ev.Frame)
	}

	if !res.played || s.output == nil {
		return
	}
	s.output.Flush()
	pe, err := s.output.WaitPlayout(ctx)
	if err != nil {
		res.interrupted = true
		return
	}
	res.position = pe.Position
	res.interrupted = pe.Interrupted
}

// finishInterrupted settles an interrupted or discarded handle: persist the
// heard prefix for handles that reached playout, mark preemptive discards
// preempted, and never-played cancellations cancelled.
func (s *AgentSession) finishInterrupted(h *SpeechHandle, ar audioResult, spec generationSpec, fullText string) {
	if !ar.played {
		if h.Source() == speechSourcePreemptive {
			h.markDone(SpeechStatePreempted, nil)
		} else {
			h.markDone(SpeechStateCancelled, nil)
		}
		return
	}

	heard := s.transcriptSync.MarkPlaybackFinished(true)
	if heard == "" {
		heard = strings.TrimSpace(fullText)
	}
	if heard != "" && (spec.sayText == "" || spec.addToChatCtx) {
		s.persistAssistantMessage(heard, true)
	}
	h.setPlaybackInfo(ar.position, heard)
	h.markDone(SpeechStateInterrupted, nil)
	s.emitMetrics(&Metrics{
		Kind:             "generation",
		SpeechID:         h.ID(),
		PlaybackPosition: ar.position,
		Interrupted:      true,
	})
}

// failSpeech settles a handle whose provider pipeline failed.
func (s *AgentSession) failSpeech(h *SpeechHandle, err error, played bool, ar audioResult) {
	s.log.Error("speech generation failed",
		slog.String("speech_id", h.ID()),
		slog.String("error", err.Error()))
	if played {
		heard := s.transcriptSync.MarkPlaybackFinished(true)
		if heard != "" {
			s.persistAssistantMessage(heard, true)
		}
		h.setPlaybackInfo(ar.position, heard)
	}
	h.markDone(SpeechStateFailed, err)
	s.emitError(err, false)
}

// buildGenerationContext snapshots the session history and injects the
// agent's instructions (and any per-reply instructions) as system messages.
func (s *AgentSession) buildGenerationContext(agent *Agent, spec generationSpec) *llm.ChatContext {
	snap := s.ChatContext()
	if inst := agent.Instructions(); inst != "" {
		prependSystemMessage(snap, inst)
	}
	if spec.instructions != "" {
		snap.Insert(llm.NewMessage(llm.RoleSystem, spec.instructions))
	}
	if spec.userMessage != "" {
		snap.Insert(llm.NewMessage(llm.RoleUser, spec.userMessage))
	}
	return snap
}

// prependSystemMessage puts content ahead of every existing item.
func prependSystemMessage(ctx *llm.ChatContext, content string) {
	item := llm.NewMessage(llm.RoleSystem, content)
	if items := ctx.Items(); len(items) > 0 {
		item.CreatedAt = items[0].CreatedAt.Add(-time.Second)
	}
	ctx.Insert(item)
}

// collectLLMStream drains one LLM stream, forwarding content deltas and
// accumulating tool-call deltas into complete calls.
func collectLLMStream(ctx context.Context, cs llm.ChatStream, onText func(string)) (string, []llm.FunctionCall, error) {
	var text strings.Builder
	type acc struct {
		index int
		call  llm.FunctionCall
	}
	pending := make(map[int]*acc)

	for ev := range cs.Events() {
		if ev.Error != nil {
			return text.String(), nil, ev.Error
		}
		if ctx.Err() != nil {
			return text.String(), nil, ctx.Err()
		}
		if ev.Delta.Content != "" {
			text.WriteString(ev.Delta.Content)
			onText(ev.Delta.Content)
		}
		for _, tc := range ev.Delta.ToolCalls {
			a, ok := pending[tc.Index]
			if !ok {
				a = &acc{index: tc.Index}
				pending[tc.Index] = a
			}
			if tc.CallID != "" {
				a.call.CallID = tc.CallID
			}
			if tc.Name != "" {
				a.call.Name = tc.Name
			}
			a.call.Arguments += tc.Arguments
		}
	}
	if err := ctx.Err(); err != nil {
		return text.String(), nil, err
	}

	accs := make([]*acc, 0, len(pending))
	for _, a := range pending {
		accs = append(accs, a)
	}
	sort.Slice(accs, func(i, j int) bool { return accs[i].index < accs[j].index })
	calls := make([]llm.FunctionCall, 0, len(accs))
	for _, a := range accs {
		if a.call.CallID == "" {
			a.call.CallID = "call_" + uuid.NewString()
		}
		calls = append(calls, a.call)
	}
	return text.String(), calls, nil
}

type toolResult struct {
	callItem   llm.ChatItem
	outputItem llm.ChatItem
	handoff    *Handoff
}

// executeToolCalls runs the step's tool calls, sequentially by default or
// concurrently when both the request and the model allow it. Tool failures
// become error outputs so the model can recover; they never kill the
// generation.
func (s *AgentSession) executeToolCalls(ctx context.Context, h *SpeechHandle, agent *Agent, toolCtx *llm.ToolContext, calls []llm.FunctionCall, parallel bool) []toolResult {
	results := make([]toolResult, len(calls))

	if parallel && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				results[i] = s.runToolCall(gctx, h, agent, toolCtx, call)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i] = s.runToolCall(ctx, h, agent, toolCtx, call)
		}
	}
	return results
}

func (s *AgentSession) runToolCall(ctx context.Context, h *SpeechHandle, agent *Agent, toolCtx *llm.ToolContext, call llm.FunctionCall) toolResult {
	res := toolResult{
		callItem: llm.ChatItem{
			ID:        llm.NewChatItemID(),
			Kind:      llm.ItemFunctionCall,
			CreatedAt: time.Now(),
			CallID:    call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
		},
	}
	out := llm.ChatItem{
		ID:     llm.NewChatItemID(),
		Kind:   llm.ItemFunctionCallOutput,
		CallID: call.CallID,
		Name:   call.Name,
	}

	tool, ok := toolCtx.Lookup(call.Name)
	if !ok {
		out.CreatedAt = time.Now()
		out.Output = fmt.Sprintf("tool %q not found", call.Name)
		out.IsError = true
		res.outputItem = out
		return res
	}

	s.log.Debug("executing tool",
		slog.String("tool", call.Name),
		slog.String("speech_id", h.ID()),
		slog.String("call_id", call.CallID))

	rc := &RunContext{session: s, agent: agent, speech: h, call: call}
	value, err := tool.Execute(withRunContext(ctx, rc), call.Arguments)
	out.CreatedAt = time.Now()

	switch {
	case err != nil:
		out.Output = err.Error()
		out.IsError = true
	default:
		switch v := value.(type) {
		case Handoff:
			res.handoff = &v
			out.Output = stringifyToolOutput(v.Returns)
		case *Handoff:
			res.handoff = v
			out.Output = stringifyToolOutput(v.Returns)
		default:
			out.Output = stringifyToolOutput(value)
		}
	}
	res.outputItem = out
	return res
}

// stringifyToolOutput renders a tool's return value for the chat context.
func stringifyToolOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case error:
		return t.Error()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sinceOrZero(start, at time.Time) time.Duration {
	if at.IsZero() {
		return 0
	}
	return at.Sub(start)
}
