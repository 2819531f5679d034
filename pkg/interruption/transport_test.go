package interruption

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
)

func testTransportConfig(baseURL string) TransportConfig {
	return TransportConfig{
		BaseURL:   baseURL,
		APIKey:    "devkey",
		APISecret: "0123456789abcdef0123456789abcdef",
	}
}

func TestHTTPTransportDetect(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotCT   string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"probabilities":[0.1,0.8,0.9],"totalDurationInS":1.5,"predictionDurationInS":0.25}`)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	pred, err := tr.Detect(context.Background(), pcm)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	if gotPath != "/interrupt-detector" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ey") {
		t.Fatalf("authorization = %q, want a bearer JWT", gotAuth)
	}
	if parts := strings.Split(strings.TrimPrefix(gotAuth, "Bearer "), "."); len(parts) != 3 {
		t.Fatalf("token is not a JWT: %q", gotAuth)
	}
	if gotCT != "application/octet-stream" {
		t.Fatalf("content type = %q", gotCT)
	}
	if !bytes.Equal(gotBody, pcm) {
		t.Fatalf("body = %v, want raw pcm %v", gotBody, pcm)
	}

	if len(pred.Probabilities) != 3 || pred.Probabilities[1] != 0.8 {
		t.Fatalf("probabilities = %v", pred.Probabilities)
	}
	if pred.TotalDurationInS != 1.5 || pred.PredictionDurationInS != 0.25 {
		t.Fatalf("durations = %v/%v", pred.TotalDurationInS, pred.PredictionDurationInS)
	}
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	_, err = tr.Detect(context.Background(), []byte{0, 0})
	if err == nil {
		t.Fatal("expected error for 503")
	}
	var de *DetectionError
	if !errors.As(err, &de) {
		t.Fatalf("error type %T, want *DetectionError", err)
	}
	if de.Label != "status" || !de.Recoverable {
		t.Fatalf("got label=%q recoverable=%v, want recoverable status", de.Label, de.Recoverable)
	}
	if !ai.IsRecoverable(err) {
		t.Fatal("503 should classify as recoverable")
	}
}

func TestHTTPTransportClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	_, err = tr.Detect(context.Background(), []byte{0, 0})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if ai.IsRecoverable(err) {
		t.Fatal("401 must not be retried")
	}
}

func TestHTTPTransportConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	_, err = tr.Detect(context.Background(), []byte{0, 0})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var de *DetectionError
	if !errors.As(err, &de) {
		t.Fatalf("error type %T, want *DetectionError", err)
	}
	if de.Label != "connect" || !ai.IsRecoverable(err) {
		t.Fatalf("got label=%q, want recoverable connect failure", de.Label)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Detect(ctx, []byte{0, 0})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var de *DetectionError
	if !errors.As(err, &de) {
		t.Fatalf("error type %T, want *DetectionError", err)
	}
	if de.Label != "timeout" || !ai.IsRecoverable(err) {
		t.Fatalf("got label=%q, want recoverable timeout", de.Label)
	}
}

func TestHTTPTransportBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(testTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	_, err = tr.Detect(context.Background(), []byte{0, 0})
	if err == nil {
		t.Fatal("expected decode error")
	}
	var de *DetectionError
	if !errors.As(err, &de) || de.Label != "decode" {
		t.Fatalf("got %v, want decode failure", err)
	}
}

func TestTransportConfigValidation(t *testing.T) {
	if _, err := NewHTTPTransport(TransportConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
	if _, err := NewHTTPTransport(TransportConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("missing credentials accepted")
	}
	if _, err := NewWSTransport(TransportConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("missing credentials accepted")
	}
}
