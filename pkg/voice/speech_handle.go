package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpeechState is the lifecycle position of a SpeechHandle. Transitions are
// monotonic: a handle only moves forward, and terminal states are sticky.
type SpeechState int

const (
	SpeechStateCreated SpeechState = iota
	SpeechStateScheduled
	SpeechStateAuthorized
	SpeechStateGenerating
	SpeechStatePlaying

	// Terminal states.
	SpeechStateCompleted
	SpeechStateInterrupted
	SpeechStatePreempted
	SpeechStateFailed
	SpeechStateCancelled
)

// Terminal reports whether the state is final.
func (s SpeechState) Terminal() bool { return s >= SpeechStateCompleted }

func (s SpeechState) String() string {
	switch s {
	case SpeechStateCreated:
		return "created"
	case SpeechStateScheduled:
		return "scheduled"
	case SpeechStateAuthorized:
		return "authorized"
	case SpeechStateGenerating:
		return "generating"
	case SpeechStatePlaying:
		return "playing"
	case SpeechStateCompleted:
		return "completed"
	case SpeechStateInterrupted:
		return "interrupted"
	case SpeechStatePreempted:
		return "preempted"
	case SpeechStateFailed:
		return "failed"
	case SpeechStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Named authorization gates. A handle may generate as soon as it is created
// (to hide provider latency) but audio is withheld from the output until
// every held gate has been released.
const (
	// GateParentDone is held by every handle and released by the
	// scheduler once the preceding utterance finished playing.
	GateParentDone = "parent_done"

	// GatePreflightConfirmed is held by preemptive handles until the
	// final transcript confirms the preflight transcript they were
	// generated from.
	GatePreflightConfirmed = "preflight_confirmed"

	// GateExplicitAuthorize is held when the caller asked for manual
	// playout authorization and released by AuthorizePlayout.
	GateExplicitAuthorize = "explicit_authorize"
)

// SpeechHandle represents one in-flight agent utterance. The session hands
// one back from GenerateReply and Say; callers can await completion,
// interrupt it, or gate its playout.
type SpeechHandle struct {
	id                 string
	source             string
	allowInterruptions bool
	parent             *SpeechHandle
	createdAt          time.Time

	mu          sync.Mutex
	state       SpeechState
	stepIndex   int
	gates       map[string]chan struct{}
	gateChanged chan struct{}
	paused      bool
	resume      chan struct{}
	child       *SpeechHandle
	interruptFn func()
	interrupted bool

	playbackPosition time.Duration
	playedTranscript string
	err              error

	done chan struct{}
}

func newSpeechHandle(source string, allowInterruptions bool, parent *SpeechHandle) *SpeechHandle {
	h := &SpeechHandle{
		id:                 "speech_" + uuid.NewString(),
		source:             source,
		allowInterruptions: allowInterruptions,
		parent:             parent,
		createdAt:          time.Now(),
		state:              SpeechStateCreated,
		gates:              make(map[string]chan struct{}),
		gateChanged:        make(chan struct{}),
		done:               make(chan struct{}),
	}
	h.holdGate(GateParentDone)
	if parent != nil {
		parent.setChild(h)
	}
	return h
}

// ID returns the handle's unique id.
func (h *SpeechHandle) ID() string { return h.id }

// Source reports what scheduled the handle (generate_reply, say, ...).
func (h *SpeechHandle) Source() string { return h.source }

// AllowInterruptions reports whether user speech may cut this handle off.
func (h *SpeechHandle) AllowInterruptions() bool { return h.allowInterruptions }

// Parent returns the handle this one was chained from, or nil.
func (h *SpeechHandle) Parent() *SpeechHandle { return h.parent }

// State returns the current lifecycle state.
func (h *SpeechHandle) State() SpeechState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StepIndex returns the current position in the tool-call loop; 0 for a
// reply that called no tools.
func (h *SpeechHandle) StepIndex() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepIndex
}

// Done is closed once the handle reaches a terminal state.
func (h *SpeechHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle is terminal and returns its final state.
func (h *SpeechHandle) Wait(ctx context.Context) (SpeechState, error) {
	select {
	case <-ctx.Done():
		return h.State(), ctx.Err()
	case <-h.done:
		return h.State(), nil
	}
}

// Interrupted reports whether the utterance was cut off by the user or by
// an explicit Interrupt call.
func (h *SpeechHandle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted || h.state == SpeechStateInterrupted
}

// PlaybackPosition is how much synthesized audio actually played. Valid
// once the handle is terminal.
func (h *SpeechHandle) PlaybackPosition() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playbackPosition
}

// PlayedTranscript is the portion of the reply the user actually heard.
// Equal to the full reply text unless the handle was interrupted.
func (h *SpeechHandle) PlayedTranscript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playedTranscript
}

// Err returns the failure that terminated the handle, if any.
func (h *SpeechHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Interrupt requests cancellation of the utterance and of any chained
// utterance still running. Safe to call at any time; terminal handles
// ignore it.
func (h *SpeechHandle) Interrupt() {
	h.mu.Lock()
	if h.state.Terminal() {
		child := h.child
		h.mu.Unlock()
		if child != nil {
			child.Interrupt()
		}
		return
	}
	h.interrupted = true
	fn := h.interruptFn
	child := h.child
	h.mu.Unlock()

	if fn != nil {
		fn()
	} else {
		// Never started generating; nothing to unwind.
		h.markDone(SpeechStateCancelled, nil)
	}
	if child != nil {
		child.Interrupt()
	}
}

// AuthorizePlayout releases the explicit authorization gate for handles
// scheduled with manual authorization.
func (h *SpeechHandle) AuthorizePlayout() { h.releaseGate(GateExplicitAuthorize) }

func (h *SpeechHandle) setChild(c *SpeechHandle) {
	h.mu.Lock()
	h.child = c
	h.mu.Unlock()
}

func (h *SpeechHandle) setInterruptFn(fn func()) {
	h.mu.Lock()
	h.interruptFn = fn
	requested := h.interrupted
	h.mu.Unlock()
	// Interrupt raced the pipeline start; honor it now.
	if requested && fn != nil {
		fn()
	}
}

func (h *SpeechHandle) setStepIndex(i int) {
	h.mu.Lock()
	h.stepIndex = i
	h.mu.Unlock()
}

func (h *SpeechHandle) setPlaybackInfo(pos time.Duration, transcript string) {
	h.mu.Lock()
	h.playbackPosition = pos
	h.playedTranscript = transcript
	h.mu.Unlock()
}

// transitionTo advances the lifecycle. Backward and out-of-terminal moves
// are rejected.
func (h *SpeechHandle) transitionTo(s SpeechState) bool {
	h.mu.Lock()
	if h.state.Terminal() || s <= h.state {
		h.mu.Unlock()
		return false
	}
	h.state = s
	var finish bool
	if s.Terminal() {
		finish = true
		if s == SpeechStateInterrupted {
			h.interrupted = true
		}
		h.releaseAllGatesLocked()
		h.resumeLocked()
	}
	h.mu.Unlock()
	if finish {
		close(h.done)
	}
	return true
}

func (h *SpeechHandle) markDone(reason SpeechState, err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.transitionTo(reason)
}

// holdGate registers a named precondition that blocks playout.
func (h *SpeechHandle) holdGate(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return
	}
	if _, ok := h.gates[name]; !ok {
		h.gates[name] = make(chan struct{})
	}
}

// releaseGate releases one named gate. Releasing an unheld gate is a no-op.
func (h *SpeechHandle) releaseGate(name string) {
	h.mu.Lock()
	ch, ok := h.gates[name]
	if ok {
		delete(h.gates, name)
		close(ch)
		close(h.gateChanged)
		h.gateChanged = make(chan struct{})
	}
	h.mu.Unlock()
}

func (h *SpeechHandle) releaseAllGatesLocked() {
	for name, ch := range h.gates {
		delete(h.gates, name)
		close(ch)
	}
	close(h.gateChanged)
	h.gateChanged = make(chan struct{})
}

// waitAuthorized blocks until every held gate has been released, then moves
// the handle to SpeechStateAuthorized. Returns early if the handle turns
// terminal or ctx is cancelled.
func (h *SpeechHandle) waitAuthorized(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.state.Terminal() {
			h.mu.Unlock()
			return fmt.Errorf("speech %s: %s", h.id, h.state)
		}
		if len(h.gates) == 0 {
			h.mu.Unlock()
			h.transitionTo(SpeechStateAuthorized)
			return nil
		}
		changed := h.gateChanged
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
		case <-changed:
		}
	}
}

// pauseOutput suspends frame forwarding; used while an overlap is being
// classified. Resuming is idempotent.
func (h *SpeechHandle) pauseOutput() {
	h.mu.Lock()
	if !h.paused && !h.state.Terminal() {
		h.paused = true
		h.resume = make(chan struct{})
	}
	h.mu.Unlock()
}

func (h *SpeechHandle) resumeOutput() {
	h.mu.Lock()
	h.resumeLocked()
	h.mu.Unlock()
}

func (h *SpeechHandle) resumeLocked() {
	if h.paused {
		h.paused = false
		close(h.resume)
	}
}

func (h *SpeechHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// waitIfPaused blocks while output is paused.
func (h *SpeechHandle) waitIfPaused(ctx context.Context) error {
	for {
		h.mu.Lock()
		if !h.paused {
			h.mu.Unlock()
			return nil
		}
		resume := h.resume
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
