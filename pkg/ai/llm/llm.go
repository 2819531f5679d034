// Package llm provides interfaces and types for large language model
// providers: conversation history, chat completion (one-shot and
// streaming with tool call deltas) and schema-validated function tools.
package llm

import (
	"context"

	"github.com/chriscow/agents-go/pkg/ai"
)

// LLM-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary LLM failure that may succeed if retried.
	// Examples: rate limiting, temporary service error, timeout.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent LLM failure that will not succeed if retried.
	// Examples: invalid API key, unsupported model, content policy violation.
	ErrFatal = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleFunction  MessageRole = "function"
)

// Message represents a single flattened message in a chat conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	Name    string      `json:"name,omitempty"` // for function messages
}

// FunctionCall represents a complete function call request from the LLM.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string // JSON-encoded arguments
}

// ToolChoice steers whether the model may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Chat              *ChatContext
	Tools             []FunctionDefinition
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	MaxTokens         int
	Temperature       float32
	TopP              float32
	Conn              ai.ConnOptions
}

// ChatResponse contains the response from a one-shot chat completion.
type ChatResponse struct {
	Message      Message
	FunctionCall *FunctionCall
	TokensUsed   int
	FinishReason string
}

// FunctionDefinition defines a function that the LLM can call.
type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema, object root
}

// FunctionCallDelta is a partial tool call inside a streamed chunk.
// Arguments accumulate across chunks for the same Index.
type FunctionCallDelta struct {
	Index     int
	CallID    string
	Name      string
	Arguments string
}

// ChoiceDelta is the incremental payload of one streamed chunk.
type ChoiceDelta struct {
	Role      MessageRole
	Content   string
	ToolCalls []FunctionCallDelta
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatChunk is one element of a streamed completion. The terminal chunk
// carries Usage; a failed stream delivers Error before the channel closes.
type ChatChunk struct {
	RequestID string
	Delta     ChoiceDelta
	Usage     *Usage
	Error     error
}

// ChatStream is an active streaming completion.
type ChatStream interface {
	// Events returns the chunk channel. It closes when the completion
	// finishes, fails, or the stream is closed.
	Events() <-chan ChatChunk

	// Close abandons the stream and releases its resources.
	Close() error
}

// LLMCapabilities describes the capabilities of an LLM provider.
type LLMCapabilities struct {
	SupportsFunctions  bool
	SupportsStreaming  bool
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for large language model providers.
type LLM interface {
	// Chat performs a one-shot chat completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatStream starts a streaming chat completion.
	ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() LLMCapabilities
}
