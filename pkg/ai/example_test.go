package ai_test

import (
	"context"
	"fmt"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
)

// Recoverable failures are retried with exponential backoff until the call
// succeeds or attempts run out.
func ExampleRetry() {
	cfg := ai.RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	attempts := 0
	err := ai.Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ai.NewConnectionError("upstream hiccup", nil)
		}
		return nil
	})

	fmt.Println(err, attempts)
	// Output: <nil> 3
}

// Fatal classifications stop the loop on the first attempt: a bad API key
// will not get better by waiting.
func ExampleRetry_fatal() {
	attempts := 0
	err := ai.Retry(context.Background(), ai.DefaultRetryConfig, func(ctx context.Context) error {
		attempts++
		return ai.NewStatusError("invalid api key", 401)
	})

	fmt.Println(attempts, ai.IsFatal(err))
	// Output: 1 true
}

// Wrapped provider errors keep their classification and detail through
// fmt.Errorf chains.
func ExampleAsAPIError() {
	err := fmt.Errorf("synthesize: %w", ai.NewStatusError("quota exceeded", 429))

	apiErr, ok := ai.AsAPIError(err)
	fmt.Println(ok, apiErr.Kind, apiErr.StatusCode, ai.IsRecoverable(err))
	// Output: true status 429 true
}
