package openai

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/llm"
)

const defaultLLMModel = openai.GPT4oMini

// LLMOption configures an LLM instance.
type LLMOption func(*LLM)

// WithLLMModel sets the chat model (e.g. "gpt-4o", "gpt-4o-mini").
func WithLLMModel(model string) LLMOption {
	return func(l *LLM) { l.model = model }
}

// WithLLMBaseURL points the client at an OpenAI-compatible endpoint.
func WithLLMBaseURL(baseURL string) LLMOption {
	return func(l *LLM) { l.baseURL = baseURL }
}

// LLM implements llm.LLM backed by the OpenAI chat completions API.
type LLM struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewLLM creates an OpenAI chat completion provider.
func NewLLM(apiKey string, opts ...LLMOption) (*LLM, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	l := &LLM{model: defaultLLMModel}
	for _, o := range opts {
		o(l)
	}

	cfg := openai.DefaultConfig(apiKey)
	if l.baseURL != "" {
		cfg.BaseURL = l.baseURL
	}
	l.client = openai.NewClientWithConfig(cfg)
	return l, nil
}

// Chat implements llm.LLM.
func (l *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	creq := l.buildRequest(req)
	conn := req.Conn.WithDefaults()

	var resp openai.ChatCompletionResponse
	err := ai.Retry(ctx, retryConfig(conn), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, conn.Timeout)
		defer cancel()
		var callErr error
		resp, callErr = l.client.CreateChatCompletion(callCtx, creq)
		if callErr != nil {
			return classifyError("chat completion", callErr)
		}
		return nil
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, errors.New("openai: no completion choices returned")
	}

	choice := resp.Choices[0]
	out := llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.MessageRole(choice.Message.Role),
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		out.FunctionCall = &llm.FunctionCall{
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
	}
	return out, nil
}

// ChatStream implements llm.LLM. Only opening the stream is retried;
// mid-stream failures surface as an in-band error chunk.
func (l *LLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	creq := l.buildRequest(req)
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	conn := req.Conn.WithDefaults()

	ctx, cancel := context.WithCancel(ctx)
	var upstream *openai.ChatCompletionStream
	err := ai.Retry(ctx, retryConfig(conn), func(ctx context.Context) error {
		var openErr error
		upstream, openErr = l.client.CreateChatCompletionStream(ctx, creq)
		if openErr != nil {
			return classifyError("open chat stream", openErr)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s := &chatStream{
		ctx:      ctx,
		cancel:   cancel,
		upstream: upstream,
		events:   make(chan llm.ChatChunk, 8),
	}
	go s.run()
	return s, nil
}

// Capabilities implements llm.LLM.
func (l *LLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		SupportsStreaming:  true,
		MaxTokens:          128000,
		SupportedModels:    []string{openai.GPT4o, openai.GPT4oMini, openai.GPT4Turbo},
		SupportsSystemRole: true,
	}
}

// ChatMessages converts a conversation into the provider wire format.
// Function calls and their outputs ride as assistant tool_calls and
// tool-role messages so multi-step tool conversations replay correctly.
func ChatMessages(chat *llm.ChatContext) []openai.ChatCompletionMessage {
	if chat == nil {
		return nil
	}
	items := chat.Items()
	messages := make([]openai.ChatCompletionMessage, 0, len(items))
	for _, item := range items {
		switch item.Kind {
		case llm.ItemMessage:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    string(item.Role),
				Content: item.Content,
			})
		case llm.ItemFunctionCall:
			messages = append(messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   item.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})
		case llm.ItemFunctionCallOutput:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    item.Output,
				ToolCallID: item.CallID,
			})
		}
	}
	return messages
}

// ChatContextFromMessages rebuilds a conversation from provider-format
// messages, inverting ChatMessages. Items get fresh ids and timestamps;
// interruption flags, tool-error flags and tool names on outputs do not
// survive the wire format.
func ChatContextFromMessages(messages []openai.ChatCompletionMessage) *llm.ChatContext {
	chat := llm.NewChatContext()
	for _, msg := range messages {
		switch {
		case msg.Role == openai.ChatMessageRoleTool:
			chat.Insert(llm.ChatItem{
				ID:        llm.NewChatItemID(),
				Kind:      llm.ItemFunctionCallOutput,
				CreatedAt: time.Now(),
				CallID:    msg.ToolCallID,
				Output:    msg.Content,
			})
		case len(msg.ToolCalls) > 0:
			if msg.Content != "" {
				chat.Insert(llm.NewMessage(llm.MessageRole(msg.Role), msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				chat.Insert(llm.ChatItem{
					ID:        llm.NewChatItemID(),
					Kind:      llm.ItemFunctionCall,
					CreatedAt: time.Now(),
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		default:
			chat.Insert(llm.NewMessage(llm.MessageRole(msg.Role), msg.Content))
		}
	}
	return chat
}

func (l *LLM) buildRequest(req llm.ChatRequest) openai.ChatCompletionRequest {
	creq := openai.ChatCompletionRequest{
		Model:       l.model,
		Messages:    ChatMessages(req.Chat),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			}
		}
		creq.Tools = tools
		creq.ParallelToolCalls = req.ParallelToolCalls
		if req.ToolChoice != "" {
			creq.ToolChoice = string(req.ToolChoice)
		}
	}
	return creq
}

type chatStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	upstream *openai.ChatCompletionStream
	events   chan llm.ChatChunk
	once     sync.Once
}

func (s *chatStream) Events() <-chan llm.ChatChunk { return s.events }

func (s *chatStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *chatStream) run() {
	defer close(s.events)
	defer s.cancel()
	defer s.upstream.Close()

	for {
		resp, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(llm.ChatChunk{Error: classifyError("chat stream", err)})
			return
		}

		// With IncludeUsage the final chunk carries usage and no choices.
		if resp.Usage != nil {
			s.emit(llm.ChatChunk{
				RequestID: resp.ID,
				Usage: &llm.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			})
		}

		for _, choice := range resp.Choices {
			chunk := llm.ChatChunk{
				RequestID: resp.ID,
				Delta: llm.ChoiceDelta{
					Role:    llm.MessageRole(choice.Delta.Role),
					Content: choice.Delta.Content,
				},
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, llm.FunctionCallDelta{
					Index:     idx,
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if chunk.Delta.Content == "" && chunk.Delta.Role == "" && len(chunk.Delta.ToolCalls) == 0 {
				continue
			}
			if !s.emit(chunk) {
				return
			}
		}
	}
}

func (s *chatStream) emit(chunk llm.ChatChunk) bool {
	select {
	case s.events <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}
