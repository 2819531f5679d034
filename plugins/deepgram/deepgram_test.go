package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/rtc"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}

	s, err := New("test-key",
		WithModel("nova-2-general"),
		WithEndpointing(100*time.Millisecond),
		WithUtteranceEnd(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.model != "nova-2-general" {
		t.Errorf("model: got %q", s.model)
	}
	if s.endpointing != 100*time.Millisecond {
		t.Errorf("endpointing: got %v", s.endpointing)
	}
	// Deepgram rejects utterance_end_ms below one second.
	if s.utteranceEnd != time.Second {
		t.Errorf("utterance end should clamp to 1s, got %v", s.utteranceEnd)
	}

	caps := s.Capabilities()
	if !caps.Streaming || !caps.InterimResults || !caps.PreflightTranscripts {
		t.Errorf("capabilities: %+v", caps)
	}
}

func TestStreamURL(t *testing.T) {
	is := is.New(t)

	s, err := New("test-key", WithSmartFormat(true), WithKeyterms("LiveKit", "SFU"))
	is.NoErr(err)

	raw, err := s.streamURL(stt.StreamConfig{SampleRate: 16000, NumChannels: 1, Lang: "en"})
	is.NoErr(err)

	u, err := url.Parse(raw)
	is.NoErr(err)
	q := u.Query()
	is.Equal(q.Get("model"), "nova-3")
	is.Equal(q.Get("encoding"), "linear16")
	is.Equal(q.Get("sample_rate"), "16000")
	is.Equal(q.Get("channels"), "1")
	is.Equal(q.Get("language"), "en")
	is.Equal(q.Get("interim_results"), "true")
	is.Equal(q.Get("vad_events"), "true")
	is.Equal(q.Get("smart_format"), "true")
	is.Equal(q.Get("endpointing"), "25")
	is.Equal(q.Get("utterance_end_ms"), "1000")
	is.Equal(len(q["keyterm"]), 2)
}

func newTestStream(cfg stt.StreamConfig) (*sttStream, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return &sttStream{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		events: make(chan stt.SpeechEvent, 32),
		audio:  make(chan []byte, 256),
		flush:  make(chan struct{}, 1),
	}, cancel
}

func drainEvents(st *sttStream) []stt.SpeechEvent {
	var out []stt.SpeechEvent
	for {
		select {
		case ev := <-st.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandleMessageMapping(t *testing.T) {
	st, cancel := newTestStream(stt.StreamConfig{
		Lang:              "en",
		InterimResults:    true,
		AlignedTranscript: true,
	})
	defer cancel()

	messages := []string{
		`{"type":"SpeechStarted"}`,
		`{"type":"SpeechStarted"}`, // duplicate, must not re-emit
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.8}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`, // empty final, skipped
		`{"type":"Results","is_final":true,"speech_final":false,"start":0.1,"duration":1.0,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.93,"words":[{"word":"hello","start":0.1,"end":0.5},{"word":"there","start":0.6,"end":1.1}]}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"start":1.2,"duration":0.8,"channel":{"alternatives":[{"transcript":"how are you","confidence":0.9}]}}`,
		`{"type":"UtteranceEnd","last_word_end":2.0}`,
		`{"type":"Metadata","request_id":"req-1","duration":2.5}`,
	}
	for _, m := range messages {
		if !st.handleMessage([]byte(m)) {
			t.Fatalf("handleMessage(%s) reported shutdown", m)
		}
	}

	events := drainEvents(st)
	wantTypes := []stt.SpeechEventType{
		stt.SpeechEventStartOfSpeech,
		stt.SpeechEventInterim,
		stt.SpeechEventFinal,
		stt.SpeechEventFinal,
		stt.SpeechEventPreflight,
		stt.SpeechEventEndOfSpeech,
		stt.SpeechEventUsage,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: got %v, want %v", i, events[i].Type, want)
		}
		if events[i].RequestID == "" || events[i].RequestID != events[0].RequestID {
			t.Errorf("event %d: request id %q not stable", i, events[i].RequestID)
		}
	}

	if got := events[1].Text(); got != "hello" {
		t.Errorf("interim text: %q", got)
	}
	firstFinal := events[2]
	if got := firstFinal.Text(); got != "hello there" {
		t.Errorf("final text: %q", got)
	}
	if len(firstFinal.Alternatives[0].Words) != 2 {
		t.Errorf("aligned words: %+v", firstFinal.Alternatives[0].Words)
	}
	if got := firstFinal.Alternatives[0].StartTime; got != 100*time.Millisecond {
		t.Errorf("final start time: %v", got)
	}

	// The preflight hypothesis carries the whole turn so far, not just the
	// last segment.
	if got := events[4].Text(); got != "hello there how are you" {
		t.Errorf("preflight text: %q", got)
	}

	if events[6].Usage == nil || events[6].Usage.AudioDuration != 2500*time.Millisecond {
		t.Errorf("usage event: %+v", events[6].Usage)
	}
}

func TestHandleMessageSuppressesInterims(t *testing.T) {
	st, cancel := newTestStream(stt.StreamConfig{InterimResults: false})
	defer cancel()

	st.handleMessage([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"partial"}]}}`))
	if events := drainEvents(st); len(events) != 0 {
		t.Fatalf("interim leaked with InterimResults=false: %+v", events)
	}
}

func TestPushConvertsFormat(t *testing.T) {
	st, cancel := newTestStream(stt.StreamConfig{SampleRate: 16000, NumChannels: 1})
	defer cancel()

	stereo48k := rtc.FrameFromInt16(make([]int16, 960*2), 48000, 2)
	if err := st.Push(stereo48k); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case data := <-st.audio:
		// 20ms at 48kHz stereo downmixes and resamples to roughly 320 mono
		// samples; the stateful resampler holds back one source sample.
		samples := len(data) / 2
		if samples < 300 || samples > 330 {
			t.Errorf("resampled samples: got %d, want ~320", samples)
		}
	default:
		t.Fatal("no audio queued")
	}
}

// listenTestServer fakes the Deepgram listen socket: the first audio payload
// triggers a canned recognition sequence, CloseStream triggers the usage
// summary and a clean close.
type listenTestServer struct {
	auth  chan string
	query chan url.Values
}

func newListenTestServer() *listenTestServer {
	return &listenTestServer{
		auth:  make(chan string, 1),
		query: make(chan url.Values, 1),
	}
}

func (s *listenTestServer) handler(w http.ResponseWriter, r *http.Request) {
	s.auth <- r.Header.Get("Authorization")
	s.query <- r.URL.Query()

	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	sentResults := false
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			if sentResults {
				continue
			}
			sentResults = true
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"SpeechStarted"}`))
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"metadata":{"request_id":"req-77"},"channel":{"alternatives":[{"transcript":"testing one","confidence":0.7}]}}`))
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"duration":1.2,"channel":{"alternatives":[{"transcript":"testing one two","confidence":0.95}]}}`))
			continue
		}

		var ctrl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		if ctrl.Type == "CloseStream" {
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"req-77","duration":1.5}`))
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func nextEvent(t *testing.T, ch <-chan stt.SpeechEvent) stt.SpeechEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.SpeechEvent{}
}

func TestStreamAgainstServer(t *testing.T) {
	is := is.New(t)

	ts := newListenTestServer()
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1)

	s, err := New("test-key", WithBaseURL(wsURL))
	is.NoErr(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := s.NewStream(ctx, stt.StreamConfig{
		SampleRate:     16000,
		NumChannels:    1,
		InterimResults: true,
		Conn: ai.ConnOptions{
			MaxRetry:      1,
			RetryInterval: 10 * time.Millisecond,
			Timeout:       2 * time.Second,
		},
	})
	is.NoErr(err)

	is.Equal(<-ts.auth, "Token test-key")
	q := <-ts.query
	is.Equal(q.Get("encoding"), "linear16")
	is.Equal(q.Get("sample_rate"), "16000")

	frame := rtc.FrameFromInt16(make([]int16, 1600), 16000, 1)
	is.NoErr(stream.Push(frame))

	ev := nextEvent(t, stream.Events())
	is.Equal(ev.Type, stt.SpeechEventStartOfSpeech)

	ev = nextEvent(t, stream.Events())
	is.Equal(ev.Type, stt.SpeechEventInterim)
	is.Equal(ev.Text(), "testing one")

	ev = nextEvent(t, stream.Events())
	is.Equal(ev.Type, stt.SpeechEventFinal)
	is.Equal(ev.Text(), "testing one two")

	ev = nextEvent(t, stream.Events())
	is.Equal(ev.Type, stt.SpeechEventPreflight)
	is.Equal(ev.Text(), "testing one two")

	is.NoErr(stream.CloseSend())

	ev = nextEvent(t, stream.Events())
	is.Equal(ev.Type, stt.SpeechEventUsage)
	is.Equal(ev.Usage.AudioDuration, 1500*time.Millisecond)

	select {
	case _, ok := <-stream.Events():
		is.True(!ok) // channel closes after the server's clean shutdown
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close")
	}

	if err := stream.Push(frame); err == nil {
		t.Error("expected push after CloseSend to fail")
	}
}
