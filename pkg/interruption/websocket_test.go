package interruption

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/agents-go/pkg/ai"
)

// wsTestServer implements the classifier's session protocol: one
// session.created per connect, one output per binary window.
type wsTestServer struct {
	closeOnWindow bool

	mu    sync.Mutex
	conns int
	auth  []string
	inits []wsClientMessage
	texts []wsClientMessage
}

func (s *wsTestServer) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/interrupt-detector" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.conns++
	n := s.conns
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	var init wsClientMessage
	if err := c.ReadJSON(&init); err != nil {
		return
	}
	s.mu.Lock()
	s.inits = append(s.inits, init)
	s.mu.Unlock()
	if init.Type != "session.create" {
		c.WriteJSON(wsServerMessage{Type: "error", Error: "expected session.create"})
		return
	}
	c.WriteJSON(wsServerMessage{Type: "session.created", SessionID: fmt.Sprintf("sess_%d", n)})

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if s.closeOnWindow {
				c.WriteJSON(wsServerMessage{Type: "session.closed"})
				return
			}
			c.WriteJSON(wsServerMessage{
				Type:          "output",
				Probabilities: []float64{0.9, 0.8},
				Durations:     wsDurations{TotalInS: 0.2, PredictionInS: 0.05},
			})
		case websocket.TextMessage:
			var msg wsClientMessage
			if json.Unmarshal(data, &msg) == nil {
				s.mu.Lock()
				s.texts = append(s.texts, msg)
				s.mu.Unlock()
			}
		}
	}
}

func (s *wsTestServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func TestWSTransportSession(t *testing.T) {
	ws := &wsTestServer{}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	tr, err := NewWSTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	tr.UpdateOptions(Options{
		SampleRate:              8000,
		Threshold:               0.25,
		MinInterruptionDuration: 80 * time.Millisecond,
	}.WithDefaults())

	pred, err := tr.Detect(context.Background(), []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(pred.Probabilities) != 2 || pred.Probabilities[0] != 0.9 {
		t.Fatalf("probabilities = %v", pred.Probabilities)
	}
	if pred.TotalDurationInS != 0.2 || pred.PredictionDurationInS != 0.05 {
		t.Fatalf("durations = %v/%v", pred.TotalDurationInS, pred.PredictionDurationInS)
	}
	if got := tr.SessionID(); got != "sess_1" {
		t.Fatalf("session id = %q", got)
	}

	ws.mu.Lock()
	init := ws.inits[0]
	auth := ws.auth[0]
	ws.mu.Unlock()
	if init.SampleRate != 8000 || init.Encoding != "pcm_s16le" {
		t.Fatalf("init = %+v", init)
	}
	if init.Extra == nil || init.Extra.Threshold != 0.25 || init.Extra.MinFrames != 2 {
		t.Fatalf("init extra = %+v", init.Extra)
	}
	if auth == "" {
		t.Fatal("no authorization header on handshake")
	}

	// second window rides the same session
	if _, err := tr.Detect(context.Background(), []byte{5, 6}); err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if ws.connCount() != 1 {
		t.Fatalf("connections = %d, want 1", ws.connCount())
	}
}

func TestWSTransportReconnectsOnOptionChange(t *testing.T) {
	ws := &wsTestServer{}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	tr, err := NewWSTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Detect(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	opts := DefaultOptions
	opts.Threshold = 0.6
	tr.UpdateOptions(opts)
	if got := tr.SessionID(); got != "" {
		t.Fatalf("session id survived option change: %q", got)
	}

	if _, err := tr.Detect(context.Background(), []byte{3, 4}); err != nil {
		t.Fatalf("detect after update: %v", err)
	}
	if ws.connCount() != 2 {
		t.Fatalf("connections = %d, want a reconnect", ws.connCount())
	}
	ws.mu.Lock()
	second := ws.inits[1]
	ws.mu.Unlock()
	if second.Extra == nil || second.Extra.Threshold != 0.6 {
		t.Fatalf("reconnect init = %+v, want new threshold", second.Extra)
	}
}

func TestWSTransportServerClose(t *testing.T) {
	ws := &wsTestServer{closeOnWindow: true}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	tr, err := NewWSTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	_, err = tr.Detect(context.Background(), []byte{1, 2})
	if err == nil {
		t.Fatal("expected error when server closes the session")
	}
	if !ai.IsRecoverable(err) {
		t.Fatal("session close should be retryable")
	}
	if got := tr.SessionID(); got != "" {
		t.Fatalf("stale session id %q", got)
	}

	// retry path: a fresh Detect dials a new session
	if _, err := tr.Detect(context.Background(), []byte{3, 4}); err == nil {
		// second connection also closes on the window; the dial itself
		// must have succeeded for that error to surface
		t.Fatal("expected the replayed window to fail too")
	}
	if ws.connCount() != 2 {
		t.Fatalf("connections = %d, want redial", ws.connCount())
	}
}

func TestWSTransportPushTranscript(t *testing.T) {
	ws := &wsTestServer{}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	tr, err := NewWSTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	// no session yet: transcript is a no-op
	if err := tr.PushTranscript(context.Background(), "dropped"); err != nil {
		t.Fatalf("transcript without session: %v", err)
	}

	if _, err := tr.Detect(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if err := tr.PushTranscript(context.Background(), "hello there"); err != nil {
		t.Fatalf("transcript: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ws.mu.Lock()
		n := len(ws.texts)
		ws.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transcript never reached the server")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ws.mu.Lock()
	msg := ws.texts[0]
	ws.mu.Unlock()
	if msg.Type != "input_transcript" || msg.Transcript != "hello there" {
		t.Fatalf("server saw %+v", msg)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://host:7880", "ws://host:7880/interrupt-detector"},
		{"https://host", "wss://host/interrupt-detector"},
		{"wss://host/", "wss://host/interrupt-detector"},
	}
	for _, c := range cases {
		got, err := websocketURL(c.in)
		if err != nil {
			t.Fatalf("websocketURL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("websocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := websocketURL("ftp://host"); err == nil {
		t.Fatal("ftp scheme accepted")
	}
}
