package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
)

func TestAgentEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://host.example", "wss://host.example/agent"},
		{"ws://host.example", "ws://host.example/agent"},
		{"https://host.example", "wss://host.example/agent"},
		{"http://host.example:7880", "ws://host.example:7880/agent"},
		{"wss://host.example/prefix/", "wss://host.example/prefix/agent"},
	}
	for _, tt := range tests {
		got, err := agentEndpoint(tt.in)
		if err != nil {
			t.Errorf("agentEndpoint(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("agentEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := agentEndpoint("ftp://host.example"); err == nil {
		t.Error("expected an error for an unsupported scheme")
	}
}

func TestRegisterTokenClaims(t *testing.T) {
	is := is.New(t)
	c := newWSClient("wss://host.example", "devkey", "0123456789abcdef0123456789abcdef", discardLogger())

	token, err := c.registerToken("echo")
	is.NoErr(err)

	parts := strings.Split(token, ".")
	is.Equal(len(parts), 3)
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	is.NoErr(err)

	var claims struct {
		Issuer  string `json:"iss"`
		Subject string `json:"sub"`
	}
	is.NoErr(json.Unmarshal(body, &claims))
	is.Equal(claims.Issuer, "devkey")
	is.Equal(claims.Subject, "echo")
}

// agentTestServer accepts one agent connection and records how it arrived.
type agentTestServer struct {
	mu   sync.Mutex
	path string
	auth string

	received chan signal
	toClient chan signal
}

func newAgentTestServer() *agentTestServer {
	return &agentTestServer{
		received: make(chan signal, 8),
		toClient: make(chan signal, 8),
	}
}

func (s *agentTestServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.path = r.URL.Path
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	go func() {
		for sig := range s.toClient {
			if err := c.WriteJSON(sig); err != nil {
				return
			}
		}
	}()

	for {
		var sig signal
		if err := c.ReadJSON(&sig); err != nil {
			return
		}
		s.received <- sig
	}
}

func TestConnectSendsBearerToken(t *testing.T) {
	is := is.New(t)

	ts := newAgentTestServer()
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	defer close(ts.toClient)

	c := newWSClient(srv.URL, "devkey", "0123456789abcdef0123456789abcdef", discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	is.NoErr(c.Connect(ctx, "echo"))
	defer c.Close()

	// The worker sends something first so the server has handled the
	// handshake before we inspect it.
	is.NoErr(c.WriteSignal(signal{Type: signalRegister}))

	select {
	case sig := <-ts.received:
		is.Equal(sig.Type, signalRegister)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the register signal")
	}

	ts.mu.Lock()
	path, auth := ts.path, ts.auth
	ts.mu.Unlock()
	is.Equal(path, "/agent")
	is.True(strings.HasPrefix(auth, "Bearer ")) // token travels in the header, not the URL
	is.True(len(auth) > len("Bearer "))
}

func TestSignalRoundTrip(t *testing.T) {
	is := is.New(t)

	ts := newAgentTestServer()
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	defer close(ts.toClient)

	c := newWSClient(srv.URL, "devkey", "0123456789abcdef0123456789abcdef", discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	is.NoErr(c.Connect(ctx, "echo"))
	defer c.Close()

	want := mustSignal(t, signalPing, pingPayload{Timestamp: 77})
	ts.toClient <- want

	got, err := c.ReadSignal()
	is.NoErr(err)
	is.Equal(got.Type, signalPing)

	var p pingPayload
	is.NoErr(decodePayload(got, &p))
	is.Equal(p.Timestamp, int64(77))
}

func TestReadSignalWithoutConnect(t *testing.T) {
	c := newWSClient("wss://host.example", "k", "s", discardLogger())
	if _, err := c.ReadSignal(); err == nil {
		t.Fatal("expected an error reading before connect")
	}
	if err := c.WriteSignal(signal{Type: signalPong}); err == nil {
		t.Fatal("expected an error writing before connect")
	}
}
