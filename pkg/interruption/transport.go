package interruption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/chriscow/agents-go/pkg/ai"
)

// detectPath is the classifier's HTTP route under the base URL.
const detectPath = "/interrupt-detector"

const tokenTTL = 10 * time.Minute

// TransportConfig carries the connection settings shared by the HTTP and
// WebSocket transports. BaseURL is the classifier service root; the key
// pair signs the bearer token.
type TransportConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string

	// HTTPClient overrides the default client. Used by tests.
	HTTPClient *http.Client
}

func (c TransportConfig) validate() error {
	if c.BaseURL == "" {
		return errors.New("interruption: transport base URL required")
	}
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("interruption: API key and secret required")
	}
	return nil
}

// bearerToken mints a short-lived JWT the classifier service accepts.
func (c TransportConfig) bearerToken() (string, error) {
	at := auth.NewAccessToken(c.APIKey, c.APISecret)
	at.AddGrant(&auth.VideoGrant{}).
		SetIdentity("interruption-detector").
		SetValidFor(tokenTTL)
	return at.ToJWT()
}

func (c TransportConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// HTTPTransport posts each audio window as a standalone request: raw
// PCM16 body in, JSON prediction out.
type HTTPTransport struct {
	cfg    TransportConfig
	client *http.Client
}

// NewHTTPTransport validates cfg and returns a per-window transport.
func NewHTTPTransport(cfg TransportConfig) (*HTTPTransport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &HTTPTransport{cfg: cfg, client: cfg.httpClient()}, nil
}

func (t *HTTPTransport) Detect(ctx context.Context, pcm []byte) (*Prediction, error) {
	token, err := t.cfg.bearerToken()
	if err != nil {
		return nil, newDetectionError("auth", err)
	}

	endpoint := strings.TrimSuffix(t.cfg.BaseURL, "/") + detectPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pcm))
	if err != nil {
		return nil, newDetectionError("request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "agents-go/interruption")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newDetectionError("timeout", ai.NewTimeoutError("interruption classifier timed out", err))
		}
		return nil, newDetectionError("connect", ai.NewConnectionError("interruption classifier unreachable", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		return nil, newDetectionError("status", ai.NewStatusError(msg, resp.StatusCode))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, newDetectionError("decode", fmt.Errorf("bad prediction payload: %w", err))
	}
	return &pred, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
