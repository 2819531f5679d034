// Package voice implements the realtime conversational agent runtime: it
// wires microphone audio through speech recognition and turn detection,
// generates replies with a language model and optional tool calls, and
// streams synthesized speech back out while keeping captions in step with
// playback.
//
// The central type is AgentSession. A session owns the conversation state,
// arbitrates turns between the user and the agent, and schedules agent
// speech as SpeechHandle values that can be awaited, paused, and
// interrupted mid-utterance.
package voice

import (
	"errors"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/llm"
)

// ErrStopResponse is returned from an Agent's OnUserTurnCompleted hook to
// suppress the assistant reply for that turn. The user message stays in the
// chat context; no speech handle is scheduled. It is a control-flow signal,
// not a failure, and is never surfaced on the session error event.
var ErrStopResponse = errors.New("voice: stop response")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("voice: session closed")

// AgentState describes what the agent half of the conversation is doing.
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateListening    AgentState = "listening"
	AgentStateThinking     AgentState = "thinking"
	AgentStateSpeaking     AgentState = "speaking"
)

// UserState describes what the user half of the conversation is doing.
type UserState string

const (
	UserStateListening UserState = "listening"
	UserStateSpeaking  UserState = "speaking"
	UserStateAway      UserState = "away"
)

// EventType identifies a session event.
type EventType string

const (
	// EventUserInputTranscribed carries interim and final user transcripts.
	EventUserInputTranscribed EventType = "user_input_transcribed"

	// EventUserStateChanged fires when the user starts or stops speaking,
	// or goes away after prolonged silence.
	EventUserStateChanged EventType = "user_state_changed"

	// EventAgentStateChanged fires on listening/thinking/speaking moves.
	EventAgentStateChanged EventType = "agent_state_changed"

	// EventConversationItemAdded fires when a chat item is committed to
	// the session history: user messages, assistant messages, tool calls
	// and their outputs.
	EventConversationItemAdded EventType = "conversation_item_added"

	// EventSpeechCreated fires when a new speech handle is scheduled.
	EventSpeechCreated EventType = "speech_created"

	// EventMetricsCollected carries per-turn latency measurements.
	EventMetricsCollected EventType = "metrics_collected"

	// EventError reports a recoverable or fatal runtime error.
	EventError EventType = "error"

	// EventClose is the last event a session emits.
	EventClose EventType = "close"
)

// Event is a session notification. Type decides which fields are set.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// EventUserInputTranscribed
	Transcript string
	IsFinal    bool
	Language   string

	// EventUserStateChanged
	OldUserState UserState
	NewUserState UserState

	// EventAgentStateChanged
	OldAgentState AgentState
	NewAgentState AgentState

	// EventConversationItemAdded
	Item *llm.ChatItem

	// EventSpeechCreated
	Speech       *SpeechHandle
	SpeechSource string

	// EventMetricsCollected
	Metrics *Metrics

	// EventError and EventClose
	Err         error
	Recoverable bool
	Reason      string
}

// Metrics is a per-turn latency and usage report. Kind is either "eou"
// (end-of-utterance measurements taken when a user turn commits) or
// "generation" (one agent utterance from first token to playout).
type Metrics struct {
	Kind     string
	SpeechID string

	// "eou"
	TranscriptionDelay       time.Duration
	EndOfUtteranceDelay      time.Duration
	OnUserTurnCompletedDelay time.Duration

	// "generation"
	TimeToFirstToken time.Duration
	TimeToFirstAudio time.Duration
	ToolSteps        int
	PlaybackPosition time.Duration
	Interrupted      bool
}

// speech sources reported on EventSpeechCreated.
const (
	speechSourceGenerateReply = "generate_reply"
	speechSourceSay           = "say"
	speechSourcePreemptive    = "preemptive_generation"
	speechSourceToolResponse  = "tool_response"
)
