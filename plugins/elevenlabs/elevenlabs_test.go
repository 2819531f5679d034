package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/plugin"
)

func TestPluginFactory(t *testing.T) {
	factory, ok := plugin.Get(plugin.KindTTS, "elevenlabs")
	if !ok {
		t.Fatal("elevenlabs tts plugin not registered")
	}

	t.Setenv("ELEVENLABS_API_KEY", "")
	if _, err := factory(map[string]any{}); err == nil {
		t.Error("expected error without api key")
	}

	v, err := factory(map[string]any{
		"api_key":       "cfg-key",
		"voice":         "voice-9",
		"output_format": "pcm_24000",
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	el, ok := v.(*TTS)
	if !ok {
		t.Fatalf("factory returned %T, want *TTS", v)
	}
	if el.voiceID != "voice-9" || el.SampleRate() != 24000 {
		t.Errorf("config not applied: voice=%q rate=%d", el.voiceID, el.SampleRate())
	}

	t.Setenv("ELEVENLABS_API_KEY", "env-key")
	if _, err := factory(map[string]any{}); err != nil {
		t.Errorf("env fallback failed: %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}

	el, err := New("key", WithOutputFormat("pcm_24000"), WithVoice("voice-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if el.SampleRate() != 24000 {
		t.Errorf("sample rate: got %d, want 24000", el.SampleRate())
	}
	if !el.Capabilities().Streaming {
		t.Error("elevenlabs must report streaming support")
	}
}

func TestPcmRate(t *testing.T) {
	if rate, err := pcmRate("pcm_16000"); err != nil || rate != 16000 {
		t.Errorf("pcm_16000: %d, %v", rate, err)
	}
	if _, err := pcmRate("pcm_abc"); err == nil {
		t.Error("expected error for malformed rate")
	}
	if _, err := pcmRate("ulaw_8000"); err == nil {
		t.Error("expected error for non-PCM format")
	}
}

func TestSynthesizeAgainstServer(t *testing.T) {
	is := is.New(t)

	pcm := []byte{1, 0, 2, 0, 3, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodPost)
		is.True(strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-1/stream"))
		is.Equal(r.URL.Query().Get("output_format"), "pcm_16000")
		is.Equal(r.Header.Get("xi-api-key"), "test-key")

		var body struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		is.NoErr(json.NewDecoder(r.Body).Decode(&body))
		is.Equal(body.Text, "hello world")
		is.Equal(body.ModelID, defaultModel)

		w.Write(pcm)
	}))
	defer srv.Close()

	el, err := New("test-key", WithBaseURL(srv.URL), WithVoice("voice-1"))
	is.NoErr(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := el.Synthesize(ctx, "hello world", tts.SynthesizeConfig{
		Conn: ai.ConnOptions{MaxRetry: 1, RetryInterval: 10 * time.Millisecond, Timeout: 2 * time.Second},
	})
	is.NoErr(err)

	var got []byte
	var last tts.SynthesizedAudio
	for chunk := range out {
		is.NoErr(chunk.Error)
		is.True(!last.IsFinal) // only the last chunk is final
		is.Equal(chunk.Frame.SampleRate, 16000)
		got = append(got, chunk.Frame.Data...)
		last = chunk
	}
	is.Equal(got, pcm)
	is.True(last.IsFinal)
}

func TestSynthesizeSurfacesStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid voice"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	el, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = el.Synthesize(context.Background(), "hi", tts.SynthesizeConfig{
		Conn: ai.ConnOptions{MaxRetry: 1, RetryInterval: 10 * time.Millisecond, Timeout: time.Second},
	})
	if err == nil {
		t.Fatal("expected synthesis to fail")
	}
	if !ai.IsFatal(err) {
		t.Errorf("400 should be fatal: %v", err)
	}
	apiErr, ok := ai.AsAPIError(err)
	if !ok || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status not preserved: %+v", apiErr)
	}
}

func TestListVoices(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/v1/voices")
		is.Equal(r.Header.Get("xi-api-key"), "test-key")
		io.WriteString(w, `{"voices":[{"voice_id":"v1","name":"Sarah","category":"premade"},{"voice_id":"v2","name":"Custom","category":"cloned"}]}`)
	}))
	defer srv.Close()

	el, err := New("test-key", WithBaseURL(srv.URL))
	is.NoErr(err)

	voices, err := el.ListVoices(context.Background())
	is.NoErr(err)
	is.Equal(len(voices), 2)
	is.Equal(voices[0].ID, "v1")
	is.Equal(voices[0].Name, "Sarah")
	is.Equal(voices[1].Category, "cloned")
}

// streamInputTestServer fakes the stream-input socket with a fixed
// choreography: a text fragment yields two audio chunks, flush a third,
// end-of-stream the final marker.
type streamInputTestServer struct {
	received chan outboundMessage
}

func audioJSON(pcm []byte) []byte {
	return []byte(fmt.Sprintf(`{"audio":%q}`, base64.StdEncoding.EncodeToString(pcm)))
}

func (s *streamInputTestServer) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	for {
		var msg outboundMessage
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		s.received <- msg

		switch {
		case msg.XiAPIKey != "":
			// begin-of-stream, no audio yet
		case msg.Flush:
			c.WriteMessage(websocket.TextMessage, audioJSON([]byte{5, 0}))
		case msg.Text == "":
			c.WriteMessage(websocket.TextMessage, []byte(`{"isFinal":true}`))
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		default:
			c.WriteMessage(websocket.TextMessage, audioJSON([]byte{1, 0}))
			c.WriteMessage(websocket.TextMessage, audioJSON([]byte{3, 0}))
		}
	}
}

func nextChunk(t *testing.T, ch <-chan tts.SynthesizedAudio) tts.SynthesizedAudio {
	t.Helper()
	select {
	case chunk, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		return chunk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio chunk")
	}
	return tts.SynthesizedAudio{}
}

func TestStreamInputAgainstServer(t *testing.T) {
	is := is.New(t)

	ts := &streamInputTestServer{received: make(chan outboundMessage, 16)}
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1)

	el, err := New("test-key", WithWSBaseURL(wsURL))
	is.NoErr(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := el.NewStream(ctx, tts.SynthesizeConfig{
		Conn: ai.ConnOptions{MaxRetry: 1, RetryInterval: 10 * time.Millisecond, Timeout: 2 * time.Second},
	})
	is.NoErr(err)
	defer stream.Close()

	boi := <-ts.received
	is.Equal(boi.Text, " ")
	is.Equal(boi.XiAPIKey, "test-key")
	is.True(boi.VoiceSettings != nil)
	is.Equal(boi.VoiceSettings.Stability, defaultStability)

	is.NoErr(stream.PushText("Hello there."))
	frag := <-ts.received
	is.Equal(frag.Text, "Hello there. ") // trailing space separates fragments

	// Two audio chunks are in flight; the first emits once the second
	// arrives.
	first := nextChunk(t, stream.Events())
	is.Equal(first.Frame.Data, []byte{1, 0})
	is.True(!first.IsFinal)

	// Flush rotates the segment, so the held chunk finalizes the old one.
	is.NoErr(stream.Flush())
	flushMsg := <-ts.received
	is.True(flushMsg.Flush)

	second := nextChunk(t, stream.Events())
	is.Equal(second.Frame.Data, []byte{3, 0})
	is.True(second.IsFinal)
	is.Equal(second.SegmentID, first.SegmentID)

	is.NoErr(stream.EndInput())
	eos := <-ts.received
	is.Equal(eos.Text, "")

	third := nextChunk(t, stream.Events())
	is.Equal(third.Frame.Data, []byte{5, 0})
	is.True(third.IsFinal)
	is.True(third.SegmentID != first.SegmentID)
	is.Equal(third.RequestID, first.RequestID)

	select {
	case _, ok := <-stream.Events():
		is.True(!ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close")
	}

	if err := stream.PushText("more"); err == nil {
		t.Error("expected push after EndInput to fail")
	}
}
