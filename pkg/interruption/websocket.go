package interruption

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/agents-go/pkg/ai"
)

const wsHandshakeTimeout = 10 * time.Second

// Client to server. session.create opens the session; input_transcript
// feeds conversational context; audio windows travel as binary frames.
type wsClientMessage struct {
	Type       string   `json:"type"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
	Extra      *wsExtra `json:"extra,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
}

type wsExtra struct {
	Threshold float64 `json:"threshold"`
	MinFrames int     `json:"min_frames"`
}

// Server to client. session.created acknowledges the init; one output
// arrives per audio window; session.closed ends the stream.
type wsServerMessage struct {
	Type          string      `json:"type"`
	SessionID     string      `json:"session_id,omitempty"`
	Probabilities []float64   `json:"probabilities,omitempty"`
	Durations     wsDurations `json:"durations"`
	Error         string      `json:"error,omitempty"`
}

type wsDurations struct {
	TotalInS      float64 `json:"totalDurationInS"`
	PredictionInS float64 `json:"predictionDurationInS"`
}

// WSTransport keeps one classifier session open across windows. The
// session is created lazily on the first Detect and renegotiated when
// options change, so the server always scores with the current threshold
// and window size.
type WSTransport struct {
	cfg TransportConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	opts      Options
	sessionID string
}

// NewWSTransport validates cfg and returns a session transport. No
// connection is made until the first window is sent.
func NewWSTransport(cfg TransportConfig) (*WSTransport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &WSTransport{cfg: cfg, opts: DefaultOptions}, nil
}

// UpdateOptions stores the new options and drops the current session.
// The next Detect dials again and the init message carries the updated
// threshold and minimum window.
func (t *WSTransport) UpdateOptions(opts Options) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts = opts
	t.dropConnLocked()
}

// SessionID reports the server-assigned id of the current session, empty
// when disconnected.
func (t *WSTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// PushTranscript forwards recognized user text so the classifier can use
// lexical context alongside the audio. Ignored when no session is open.
func (t *WSTransport) PushTranscript(ctx context.Context, transcript string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.conn.SetWriteDeadline(deadlineFrom(ctx))
	msg := wsClientMessage{Type: "input_transcript", Transcript: transcript}
	if err := t.conn.WriteJSON(msg); err != nil {
		t.dropConnLocked()
		return newDetectionError("transcript", ai.NewConnectionError("interruption session write failed", err))
	}
	return nil
}

// Detect sends one PCM window over the session and waits for its output
// message. Connection failures drop the session so the retry layer can
// redial on the next attempt.
func (t *WSTransport) Detect(ctx context.Context, pcm []byte) (*Prediction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnLocked(ctx); err != nil {
		return nil, err
	}

	deadline := deadlineFrom(ctx)
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.dropConnLocked()
		return nil, newDetectionError("send", ai.NewConnectionError("interruption session write failed", err))
	}

	t.conn.SetReadDeadline(deadline)
	for {
		var msg wsServerMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.dropConnLocked()
			return nil, newDetectionError("recv", ai.NewConnectionError("interruption session read failed", err))
		}
		switch msg.Type {
		case "output":
			return &Prediction{
				Probabilities:         msg.Probabilities,
				TotalDurationInS:      msg.Durations.TotalInS,
				PredictionDurationInS: msg.Durations.PredictionInS,
			}, nil
		case "session.closed":
			t.dropConnLocked()
			return nil, newDetectionError("recv", ai.NewConnectionError("interruption session closed by server", nil))
		case "error":
			t.dropConnLocked()
			return nil, newDetectionError("recv", ai.NewRecognitionError(msg.Error, nil))
		default:
			// session.created and unknown notices are not window results
		}
	}
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	t.sessionID = ""
	return err
}

// ensureConnLocked dials and initializes a session if none is open.
func (t *WSTransport) ensureConnLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	token, err := t.cfg.bearerToken()
	if err != nil {
		return newDetectionError("auth", err)
	}
	wsURL, err := websocketURL(t.cfg.BaseURL)
	if err != nil {
		return newDetectionError("request", err)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return newDetectionError("connect", ai.NewStatusError("interruption session handshake rejected", resp.StatusCode))
		}
		return newDetectionError("connect", ai.NewConnectionError("interruption classifier unreachable", err))
	}

	deadline := deadlineFrom(ctx)
	conn.SetWriteDeadline(deadline)
	create := wsClientMessage{
		Type:       "session.create",
		SampleRate: t.opts.SampleRate,
		Encoding:   "pcm_s16le",
		Extra: &wsExtra{
			Threshold: t.opts.Threshold,
			MinFrames: WindowFrames(t.opts.MinInterruptionDuration),
		},
	}
	if err := conn.WriteJSON(create); err != nil {
		conn.Close()
		return newDetectionError("send", ai.NewConnectionError("interruption session init failed", err))
	}

	conn.SetReadDeadline(deadline)
	var created wsServerMessage
	if err := conn.ReadJSON(&created); err != nil {
		conn.Close()
		return newDetectionError("recv", ai.NewConnectionError("interruption session init failed", err))
	}
	if created.Type != "session.created" {
		conn.Close()
		return newDetectionError("recv", ai.NewRecognitionError(
			fmt.Sprintf("unexpected session reply %q", created.Type), nil))
	}

	t.conn = conn
	t.sessionID = created.SessionID
	return nil
}

func (t *WSTransport) dropConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.sessionID = ""
}

// websocketURL swaps the scheme and appends the detector route.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += detectPath
	return u.String(), nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(10 * time.Second)
}
