package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
)

const (
	handshakeTimeout  = 10 * time.Second
	registerTokenTTL  = time.Hour
	agentEndpointPath = "/agent"
)

// wsClient holds one registration connection to the server. It is rebuilt
// on every reconnect; only writes need the mutex, reads stay on the run
// loop's goroutine.
type wsClient struct {
	url       string
	apiKey    string
	apiSecret string
	log       *slog.Logger

	wmu  sync.Mutex
	conn *websocket.Conn
}

func newWSClient(serverURL, apiKey, apiSecret string, log *slog.Logger) *wsClient {
	return &wsClient{
		url:       serverURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       log,
	}
}

// Connect dials the server's agent endpoint. The registration token rides
// in the Authorization header rather than the query string so it never
// lands in access logs.
func (c *wsClient) Connect(ctx context.Context, identity string) error {
	u, err := agentEndpoint(c.url)
	if err != nil {
		return err
	}

	token, err := c.registerToken(identity)
	if err != nil {
		return fmt.Errorf("mint register token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c.log.Debug("connecting to server", slog.String("url", u))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}

	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()

	c.log.Info("connected to server", slog.String("url", u))
	return nil
}

// registerToken mints the short-lived JWT presented during registration.
func (c *wsClient) registerToken(identity string) (string, error) {
	at := auth.NewAccessToken(c.apiKey, c.apiSecret)
	at.AddGrant(&auth.VideoGrant{}).
		SetIdentity(identity).
		SetValidFor(registerTokenTTL)
	return at.ToJWT()
}

// ReadSignal blocks until the server sends the next signal.
func (c *wsClient) ReadSignal() (signal, error) {
	conn := c.current()
	if conn == nil {
		return signal{}, fmt.Errorf("not connected")
	}

	var sig signal
	if err := conn.ReadJSON(&sig); err != nil {
		return signal{}, fmt.Errorf("read signal: %w", err)
	}

	c.log.Debug("received signal", slog.String("type", sig.Type))
	return sig, nil
}

// WriteSignal sends one signal. Safe for concurrent use; gorilla
// connections allow a single writer at a time.
func (c *wsClient) WriteSignal(sig signal) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.log.Debug("sending signal", slog.String("type", sig.Type))

	if err := c.conn.WriteJSON(sig); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

func (c *wsClient) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *wsClient) current() *websocket.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}

// agentEndpoint normalizes the configured server URL into the websocket
// agent endpoint: scheme mapped to ws/wss, path forced to /agent.
func agentEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme %q", serverURL, u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + agentEndpointPath
	return u.String(), nil
}
