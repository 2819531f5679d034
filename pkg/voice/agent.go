package voice

import (
	"context"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/turn"
)

// AgentConfig declares an agent: its persona, its tools, optional provider
// overrides, and lifecycle hooks. Providers left nil fall back to the
// session's defaults.
type AgentConfig struct {
	// Name identifies the agent in logs and handoff events.
	Name string

	// Instructions is the system prompt prepended to every generation.
	Instructions string

	// Tools the LLM may call while this agent is active.
	Tools []*llm.FunctionTool

	// Provider overrides for this agent.
	STT          stt.STT
	LLM          llm.LLM
	TTS          tts.TTS
	VAD          vad.VAD
	TurnDetector turn.Detector

	// OnEnter runs after the agent becomes active: on session start and
	// after a handoff. Typical use is greeting the user via
	// session.GenerateReply or transplanting history from the previous
	// agent. Called without the session's internal lock held.
	OnEnter func(ctx context.Context, sess *AgentSession)

	// OnExit runs just before the agent is replaced by a handoff or the
	// session closes.
	OnExit func(ctx context.Context, sess *AgentSession)

	// OnUserTurnCompleted runs after the user's message is committed to
	// chatCtx and before the reply is scheduled. Returning ErrStopResponse
	// keeps the message but suppresses the reply; any other error is
	// reported on the session's error event and the reply proceeds.
	OnUserTurnCompleted func(ctx context.Context, chatCtx *llm.ChatContext, newMessage *llm.ChatItem) error
}

// Agent is an immutable agent definition. Create one with NewAgent and
// activate it via AgentSession.Start or UpdateAgent.
type Agent struct {
	id  string
	cfg AgentConfig
}

// NewAgent builds an Agent from cfg. A missing name gets a generated one.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.Name == "" {
		cfg.Name = "agent_" + uuid.NewString()[:8]
	}
	return &Agent{id: uuid.NewString(), cfg: cfg}
}

// ID returns the unique instance id.
func (a *Agent) ID() string { return a.id }

// Name returns the configured agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Instructions returns the system prompt.
func (a *Agent) Instructions() string { return a.cfg.Instructions }

// Tools returns the tool definitions available to this agent.
func (a *Agent) Tools() []*llm.FunctionTool { return a.cfg.Tools }

// toolContext builds a lookup context over the agent's tools. Tool name
// collisions surface here as an error.
func (a *Agent) toolContext() (*llm.ToolContext, error) {
	return llm.NewToolContext(a.cfg.Tools...)
}
