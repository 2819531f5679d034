// Package openai provides LLM, STT and TTS providers backed by the OpenAI
// API. Importing the package registers all three with the plugin registry
// under the name "openai"; the factories read OPENAI_API_KEY when no key is
// configured.
package openai

import (
	"context"
	"errors"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/agents-go/pkg/ai"
)

// retryConfig maps per-call connection options onto the shared backoff
// helper.
func retryConfig(conn ai.ConnOptions) ai.RetryConfig {
	return ai.RetryConfig{
		MaxRetries:    conn.MaxRetry,
		InitialDelay:  conn.RetryInterval,
		MaxDelay:      conn.RetryInterval * 4,
		BackoffFactor: 2.0,
	}
}

// classifyError converts client failures into retry-classified errors.
// Status errors keep their HTTP code so 429/5xx retry and 4xx fail fast.
func classifyError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ai.NewStatusError("openai: "+op+": "+apiErr.Message, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ai.NewStatusError("openai: "+op, reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ai.NewTimeoutError("openai: "+op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ai.NewTimeoutError("openai: "+op, err)
	}
	return ai.NewConnectionError("openai: "+op, err)
}
