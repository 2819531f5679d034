package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultRemoteTimeout bounds a remote prediction. Turn detection sits on
// the endpointing path, so a slow server must not stall the session.
const defaultRemoteTimeout = 2 * time.Second

// RemoteDetector delegates end-of-utterance prediction to an HTTP
// inference server. Any failure falls back to the local detector when one
// is configured.
type RemoteDetector struct {
	endpoint   string
	httpClient *http.Client
	fallback   Detector
}

// NewRemoteDetector creates a detector that POSTs predictions to endpoint.
// fallback may be nil, in which case remote failures surface as errors.
func NewRemoteDetector(endpoint string, fallback Detector) *RemoteDetector {
	return &RemoteDetector{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultRemoteTimeout,
		},
		fallback: fallback,
	}
}

// UnlikelyThreshold delegates to the fallback when present, otherwise
// returns a conservative default.
func (d *RemoteDetector) UnlikelyThreshold(language string) (float64, error) {
	if d.fallback != nil {
		return d.fallback.UnlikelyThreshold(language)
	}
	switch language {
	case "en", "en-US", "en-GB":
		return 0.85, nil
	default:
		return 0.80, nil
	}
}

// SupportsLanguage delegates to the fallback when present. Without one the
// remote endpoint is assumed to handle any language.
func (d *RemoteDetector) SupportsLanguage(language string) bool {
	if d.fallback != nil {
		return d.fallback.SupportsLanguage(language)
	}
	return true
}

// PredictEndOfTurn asks the remote endpoint for an EOU probability.
func (d *RemoteDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	request := PredictRequest{
		Messages: chatCtx.Messages,
		Language: chatCtx.Language,
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agents-go/turn-detector")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var response PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("decode response: %w", err))
	}
	if response.Error != "" {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("remote error: %s", response.Error))
	}
	if response.Probability < 0 || response.Probability > 1 {
		return d.fallbackPredict(ctx, chatCtx, fmt.Errorf("invalid probability: %f", response.Probability))
	}
	return response.Probability, nil
}

// fallbackPredict routes the prediction to the local detector after a
// remote failure.
func (d *RemoteDetector) fallbackPredict(ctx context.Context, chatCtx ChatContext, originalErr error) (float64, error) {
	if d.fallback == nil {
		return 0, fmt.Errorf("remote inference failed and no fallback available: %w", originalErr)
	}
	slog.Warn("remote turn detection failed, using local fallback", "error", originalErr)
	return d.fallback.PredictEndOfTurn(ctx, chatCtx)
}
