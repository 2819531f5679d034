package voice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/task"
)

// RunContext gives a tool handler access to the session it runs in: the
// active agent, the speech handle carrying the reply, and the function call
// that triggered it. Retrieve it inside a handler with RunContextFrom.
type RunContext struct {
	session *AgentSession
	agent   *Agent
	speech  *SpeechHandle
	call    llm.FunctionCall
}

// Session returns the session the tool runs in.
func (rc *RunContext) Session() *AgentSession { return rc.session }

// Agent returns the agent whose generation invoked the tool.
func (rc *RunContext) Agent() *Agent { return rc.agent }

// Speech returns the handle for the reply being generated.
func (rc *RunContext) Speech() *SpeechHandle { return rc.speech }

// FunctionCall returns the model's call, including raw arguments.
func (rc *RunContext) FunctionCall() llm.FunctionCall { return rc.call }

type runContextKey struct{}

func withRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts the RunContext a tool handler was invoked with.
// It reports false when ctx does not originate from a tool execution.
func RunContextFrom(ctx context.Context) (*RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(*RunContext)
	return rc, ok
}

// Handoff transfers control to another agent. A tool returns it (by value
// or pointer) instead of a plain result; Returns is serialized as the tool
// output so the model sees why the transfer happened. The swap takes effect
// once the current reply finishes playing.
type Handoff struct {
	Agent   *Agent
	Returns any
}

// AgentTask runs a sub-conversation: Run swaps the session to the task's
// agent, waits until some tool or callback of that agent calls Complete,
// then restores the previous agent and returns the completion value. The
// exchange stays in the session's chat history.
//
// A task instance is single-use.
type AgentTask[T any] struct {
	agent *Agent
	fut   *task.Future[T]
	ran   atomic.Bool
}

// NewAgentTask creates a task around the given agent.
func NewAgentTask[T any](agent *Agent) *AgentTask[T] {
	return &AgentTask[T]{
		agent: agent,
		fut:   task.NewFuture[T](),
	}
}

// Agent returns the agent the task activates.
func (t *AgentTask[T]) Agent() *Agent { return t.agent }

// Complete finishes the task with a result. The first call wins; later
// calls are ignored.
func (t *AgentTask[T]) Complete(v T) { t.fut.Resolve(v) }

// Fail finishes the task with an error.
func (t *AgentTask[T]) Fail(err error) { t.fut.Reject(err) }

// Done reports whether the task has completed.
func (t *AgentTask[T]) Done() bool { return t.fut.IsDone() }

// Run activates the task's agent on the session and blocks until Complete,
// Fail, or ctx cancellation. The previously active agent is restored before
// Run returns, even on error. Running the same instance again fails.
//
// Run must not be called while holding session-internal locks; it is safe
// from agent callbacks and tool handlers, which the session invokes
// unlocked.
func (t *AgentTask[T]) Run(ctx context.Context, sess *AgentSession) (T, error) {
	var zero T
	if !t.ran.CompareAndSwap(false, true) {
		return zero, fmt.Errorf("agent task %q cannot be awaited multiple times", t.agent.Name())
	}

	prev, err := sess.activateTaskAgent(ctx, t.agent)
	if err != nil {
		return zero, fmt.Errorf("activate task agent: %w", err)
	}

	v, err := t.fut.Wait(ctx)

	// The suspended agent comes back without re-running its OnEnter; that
	// hook is usually where the task itself was started.
	if rerr := sess.restoreAgent(context.WithoutCancel(ctx), prev); rerr != nil && err == nil {
		err = fmt.Errorf("restore agent after task: %w", rerr)
	}
	return v, err
}
