// Package fake provides a scripted LLM for tests. Replies are played back
// in order, streamed word by word so consumers exercise their incremental
// paths.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai/llm"
)

// Reply is one scripted assistant turn: text, tool calls, or both.
type Reply struct {
	Text      string
	ToolCalls []llm.FunctionCall
}

// TextReply scripts a plain text reply.
func TextReply(text string) Reply {
	return Reply{Text: text}
}

// ToolReply scripts a reply that calls the named tool.
func ToolReply(name, arguments string) Reply {
	return Reply{ToolCalls: []llm.FunctionCall{{Name: name, Arguments: arguments}}}
}

// FakeLLM is a fake LLM implementation for testing.
type FakeLLM struct {
	mu       sync.Mutex
	replies  []Reply
	calls    int
	chunkGap time.Duration
	nextErr  error
	requests []llm.ChatRequest
	streams  []*FakeChatStream
}

// NewFakeLLM creates a new fake LLM provider with predefined replies,
// cycling through them when calls outnumber scripts.
func NewFakeLLM(replies ...Reply) *FakeLLM {
	if len(replies) == 0 {
		replies = []Reply{
			TextReply("This is a fake response from the fake LLM provider."),
			TextReply("I'm a fake AI assistant. How can I help you?"),
		}
	}
	return &FakeLLM{replies: replies}
}

// SetChunkGap adds a pause between streamed chunks so tests can interrupt
// a reply mid-flight.
func (f *FakeLLM) SetChunkGap(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkGap = d
}

// FailNext makes the next Chat or ChatStream call return err.
func (f *FakeLLM) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr = err
}

// Requests returns the chat requests received so far.
func (f *FakeLLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// StreamCount reports how many streaming completions were started.
func (f *FakeLLM) StreamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// Streams returns the streaming sessions created so far.
func (f *FakeLLM) Streams() []*FakeChatStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeChatStream, len(f.streams))
	copy(out, f.streams)
	return out
}

// Chat processes a chat request and returns the next scripted reply.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	reply, err := f.nextReply(req)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	resp := llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: reply.Text},
		TokensUsed:   len(strings.Fields(reply.Text)) + 10,
		FinishReason: "stop",
	}
	if len(reply.ToolCalls) > 0 {
		call := reply.ToolCalls[0]
		if call.CallID == "" {
			call.CallID = "call_" + uuid.NewString()
		}
		resp.FunctionCall = &call
		resp.FinishReason = "function_call"
	}
	return resp, nil
}

// ChatStream streams the next scripted reply word by word.
func (f *FakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	reply, err := f.nextReply(req)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	gap := f.chunkGap
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s := &FakeChatStream{
		requestID: uuid.NewString(),
		reply:     reply,
		gap:       gap,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan llm.ChatChunk, 16),
	}
	go s.run()

	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// Capabilities returns the fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		SupportsStreaming:  true,
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model-1", "fake-model-2"},
		SupportsSystemRole: true,
	}
}

func (f *FakeLLM) nextReply(req llm.ChatRequest) (Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextErr; err != nil {
		f.nextErr = nil
		return Reply{}, err
	}

	f.requests = append(f.requests, req)
	reply := f.replies[f.calls%len(f.replies)]
	f.calls++
	return reply, nil
}

// FakeChatStream is a fake streaming completion.
type FakeChatStream struct {
	requestID string
	reply     Reply
	gap       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	events    chan llm.ChatChunk

	mu     sync.Mutex
	closed bool
}

// Events implements llm.ChatStream.
func (s *FakeChatStream) Events() <-chan llm.ChatChunk { return s.events }

// Close implements llm.ChatStream.
func (s *FakeChatStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

// Closed reports whether Close was called, useful for asserting that an
// interruption tore the stream down.
func (s *FakeChatStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeChatStream) run() {
	defer close(s.events)
	defer s.cancel()

	if !s.emit(llm.ChatChunk{RequestID: s.requestID, Delta: llm.ChoiceDelta{Role: llm.RoleAssistant}}) {
		return
	}

	words := strings.SplitAfter(s.reply.Text, " ")
	for _, word := range words {
		if word == "" {
			continue
		}
		if !s.pause() {
			return
		}
		if !s.emit(llm.ChatChunk{RequestID: s.requestID, Delta: llm.ChoiceDelta{Content: word}}) {
			return
		}
	}

	for i, call := range s.reply.ToolCalls {
		callID := call.CallID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		chunk := llm.ChatChunk{
			RequestID: s.requestID,
			Delta: llm.ChoiceDelta{
				ToolCalls: []llm.FunctionCallDelta{{
					Index:     i,
					CallID:    callID,
					Name:      call.Name,
					Arguments: call.Arguments,
				}},
			},
		}
		if !s.emit(chunk) {
			return
		}
	}

	tokens := len(words)
	s.emit(llm.ChatChunk{
		RequestID: s.requestID,
		Usage:     &llm.Usage{PromptTokens: 10, CompletionTokens: tokens, TotalTokens: 10 + tokens},
	})
}

func (s *FakeChatStream) pause() bool {
	if s.gap <= 0 {
		return true
	}
	select {
	case <-time.After(s.gap):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *FakeChatStream) emit(chunk llm.ChatChunk) bool {
	select {
	case s.events <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}
