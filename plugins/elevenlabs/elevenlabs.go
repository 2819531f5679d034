// Package elevenlabs provides streaming text-to-speech over the ElevenLabs
// API. Incremental synthesis uses the stream-input WebSocket; one-shot
// synthesis uses the HTTP streaming endpoint. Importing the package
// registers the provider with the plugin registry under "tts/elevenlabs";
// the factory reads ELEVENLABS_API_KEY when no key is configured.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/rtc"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultWSBaseURL = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoiceID   = "EXAVITQu4vr4xnSDxMaL"

	// pcm_16000 keeps the default output aligned with the rest of the
	// audio pipeline.
	defaultOutputFormat = "pcm_16000"

	defaultStability  = 0.5
	defaultSimilarity = 0.75

	// A single space keeps the stream-input session alive without
	// synthesizing anything.
	keepAliveInterval = 10 * time.Second
	inactivityTimeout = 60 // seconds, server-side session idle limit
)

// Option configures a TTS instance.
type Option func(*TTS)

// WithVoice sets the default voice id.
func WithVoice(voiceID string) Option {
	return func(t *TTS) { t.voiceID = voiceID }
}

// WithModel sets the synthesis model (e.g. "eleven_flash_v2_5",
// "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(t *TTS) { t.model = model }
}

// WithOutputFormat selects the PCM output format (e.g. "pcm_16000",
// "pcm_24000"). Only PCM formats are supported.
func WithOutputFormat(format string) Option {
	return func(t *TTS) { t.outputFormat = format }
}

// WithVoiceSettings overrides the stability and similarity-boost values
// sent with every request.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(t *TTS) {
		t.stability = stability
		t.similarity = similarityBoost
	}
}

// WithBaseURL overrides the HTTP endpoint.
func WithBaseURL(baseURL string) Option {
	return func(t *TTS) { t.baseURL = baseURL }
}

// WithWSBaseURL overrides the WebSocket endpoint.
func WithWSBaseURL(wsBaseURL string) Option {
	return func(t *TTS) { t.wsBaseURL = wsBaseURL }
}

// TTS implements tts.TTS backed by ElevenLabs.
type TTS struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
	wsBaseURL    string
	stability    float64
	similarity   float64
	sampleRate   int
	httpClient   *http.Client
}

// New creates an ElevenLabs synthesis provider.
func New(apiKey string, opts ...Option) (*TTS, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	t := &TTS{
		apiKey:       apiKey,
		voiceID:      defaultVoiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		baseURL:      defaultBaseURL,
		wsBaseURL:    defaultWSBaseURL,
		stability:    defaultStability,
		similarity:   defaultSimilarity,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(t)
	}

	rate, err := pcmRate(t.outputFormat)
	if err != nil {
		return nil, err
	}
	t.sampleRate = rate
	return t, nil
}

// pcmRate extracts the sample rate from a pcm_* output format name.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not PCM", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return rate, nil
}

// SampleRate implements tts.TTS.
func (t *TTS) SampleRate() int { return t.sampleRate }

// Capabilities implements tts.TTS.
func (t *TTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming: true,
		SupportedLanguages: []string{
			"en", "de", "es", "fr", "hi", "it", "ja", "ko", "nl", "pl", "pt",
			"ru", "sv", "tr", "uk", "zh",
		},
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (t *TTS) voiceSettings() *voiceSettings {
	return &voiceSettings{Stability: t.stability, SimilarityBoost: t.similarity}
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ai.NewTimeoutError("elevenlabs: "+op, err)
	}
	return ai.NewConnectionError("elevenlabs: "+op, err)
}

// Synthesize implements tts.TTS over the HTTP streaming endpoint: the raw
// PCM body is relayed in roughly 100ms frames as it downloads.
func (t *TTS) Synthesize(ctx context.Context, text string, cfg tts.SynthesizeConfig) (<-chan tts.SynthesizedAudio, error) {
	cfg = cfg.WithDefaults()

	voice := t.voiceID
	if cfg.Voice != "" {
		voice = cfg.Voice
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		t.baseURL, url.PathEscape(voice), url.QueryEscape(t.outputFormat))

	payload, err := json.Marshal(struct {
		Text          string         `json:"text"`
		ModelID       string         `json:"model_id"`
		VoiceSettings *voiceSettings `json:"voice_settings"`
	}{Text: text, ModelID: t.model, VoiceSettings: t.voiceSettings()})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	retryCfg := ai.RetryConfig{
		MaxRetries:    cfg.Conn.MaxRetry,
		InitialDelay:  cfg.Conn.RetryInterval,
		MaxDelay:      cfg.Conn.RetryInterval * 4,
		BackoffFactor: 2.0,
	}

	var body io.ReadCloser
	err = ai.Retry(ctx, retryCfg, func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return fmt.Errorf("build synthesis request: %w", reqErr)
		}
		req.Header.Set("xi-api-key", t.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := t.httpClient.Do(req)
		if doErr != nil {
			return classifyTransportError("synthesis request", doErr)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return ai.NewStatusError("elevenlabs: synthesis: "+strings.TrimSpace(string(msg)), resp.StatusCode)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan tts.SynthesizedAudio, 16)
	go tts.EmitPCM(ctx, body, t.sampleRate, cfg.ChunkTimeout, out)
	return out, nil
}

// Voice describes one available ElevenLabs voice.
type Voice struct {
	ID       string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ListVoices fetches the voices available to the account.
func (t *TTS) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("build voices request: %w", err)
	}
	req.Header.Set("xi-api-key", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("list voices", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ai.NewStatusError("elevenlabs: list voices: "+strings.TrimSpace(string(msg)), resp.StatusCode)
	}

	var parsed struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode voices response: %w", err)
	}
	return parsed.Voices, nil
}

// streamInputURL builds the stream-input endpoint for the given voice.
func (t *TTS) streamInputURL(voice string) string {
	q := url.Values{}
	q.Set("model_id", t.model)
	q.Set("output_format", t.outputFormat)
	q.Set("inactivity_timeout", strconv.Itoa(inactivityTimeout))
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s",
		t.wsBaseURL, url.PathEscape(voice), q.Encode())
}

// outboundMessage is the client side of the stream-input protocol. The
// first message carries the API key and voice settings; {"text":""} ends
// the session.
type outboundMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// audioResponse is the server side of the stream-input protocol.
type audioResponse struct {
	Audio   string `json:"audio"` // base64 PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewStream implements tts.TTS: it opens a stream-input session that
// accepts text as it is generated.
func (t *TTS) NewStream(ctx context.Context, cfg tts.SynthesizeConfig) (tts.SynthesizeStream, error) {
	cfg = cfg.WithDefaults()

	voice := t.voiceID
	if cfg.Voice != "" {
		voice = cfg.Voice
	}
	endpoint := t.streamInputURL(voice)

	retryCfg := ai.RetryConfig{
		MaxRetries:    cfg.Conn.MaxRetry,
		InitialDelay:  cfg.Conn.RetryInterval,
		MaxDelay:      cfg.Conn.RetryInterval * 4,
		BackoffFactor: 2.0,
	}

	var ws *websocket.Conn
	err := ai.Retry(ctx, retryCfg, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Conn.Timeout)
		defer cancel()
		var resp *http.Response
		var dialErr error
		ws, resp, dialErr = websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
		if dialErr != nil {
			if resp != nil {
				return ai.NewStatusError("elevenlabs: dial stream-input", resp.StatusCode)
			}
			return classifyTransportError("dial stream-input", dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Begin-of-stream: authenticates the session and pins voice settings.
	boi := outboundMessage{
		Text:          " ",
		VoiceSettings: t.voiceSettings(),
		XiAPIKey:      t.apiKey,
	}
	if err := ws.WriteJSON(boi); err != nil {
		ws.Close()
		return nil, classifyTransportError("begin stream-input session", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &synthStream{
		ctx:        streamCtx,
		cancel:     cancel,
		ws:         ws,
		events:     make(chan tts.SynthesizedAudio, 32),
		send:       make(chan outboundMessage, 64),
		requestID:  uuid.NewString(),
		segmentID:  uuid.NewString(),
		sampleRate: t.sampleRate,
	}
	st.wg.Add(2)
	go st.readLoop()
	go st.writeLoop()
	return st, nil
}

// synthStream is one live stream-input session. A writer goroutine owns all
// socket writes; PushText, Flush and EndInput only queue work for it.
type synthStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn

	events chan tts.SynthesizedAudio
	send   chan outboundMessage

	requestID  string
	sampleRate int

	mu         sync.Mutex
	segmentID  string
	inputEnded bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PushText implements tts.SynthesizeStream. Fragments are buffered
// server-side until enough text accumulates or Flush forces synthesis.
func (st *synthStream) PushText(text string) error {
	if text == "" {
		return nil
	}
	// The protocol uses a trailing space as the fragment separator.
	if !strings.HasSuffix(text, " ") {
		text += " "
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inputEnded {
		return errors.New("elevenlabs: input already ended")
	}
	return st.queueLocked(outboundMessage{Text: text})
}

// Flush implements tts.SynthesizeStream: buffered text is synthesized now
// and subsequent audio belongs to a fresh segment.
func (st *synthStream) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inputEnded {
		return errors.New("elevenlabs: input already ended")
	}
	st.segmentID = uuid.NewString()
	return st.queueLocked(outboundMessage{Text: " ", Flush: true})
}

// EndInput implements tts.SynthesizeStream. Remaining audio and the final
// marker drain through Events before it closes.
func (st *synthStream) EndInput() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inputEnded {
		return nil
	}
	st.inputEnded = true
	return st.queueLocked(outboundMessage{Text: ""})
}

func (st *synthStream) queueLocked(msg outboundMessage) error {
	select {
	case st.send <- msg:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

// Events implements tts.SynthesizeStream.
func (st *synthStream) Events() <-chan tts.SynthesizedAudio {
	return st.events
}

// Close implements tts.SynthesizeStream: it aborts the session and discards
// pending audio.
func (st *synthStream) Close() error {
	st.closeOnce.Do(func() {
		st.cancel()
		st.ws.Close()
	})
	return nil
}

func (st *synthStream) writeLoop() {
	defer st.wg.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case msg := <-st.send:
			if err := st.ws.WriteJSON(msg); err != nil {
				st.cancel()
				return
			}
			if msg.Text == "" {
				// End-of-stream sent; the server closes after the
				// remaining audio.
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := st.ws.WriteJSON(outboundMessage{Text: " "}); err != nil {
				st.cancel()
				return
			}
		}
	}
}

func (st *synthStream) readLoop() {
	defer st.wg.Done()
	defer close(st.events)
	defer st.cancel()
	defer st.ws.Close()

	type heldChunk struct {
		data    []byte
		segment string
	}
	var held *heldChunk

	emit := func(chunk tts.SynthesizedAudio) bool {
		select {
		case st.events <- chunk:
			return true
		case <-st.ctx.Done():
			return false
		}
	}
	emitHeld := func(final bool) bool {
		if held == nil {
			return true
		}
		chunk := tts.SynthesizedAudio{
			RequestID: st.requestID,
			SegmentID: held.segment,
			Frame: rtc.AudioFrame{
				Data:              held.data,
				SampleRate:        st.sampleRate,
				SamplesPerChannel: len(held.data) / 2,
				NumChannels:       1,
			},
			IsFinal: final,
		}
		held = nil
		return emit(chunk)
	}

	for {
		_, data, err := st.ws.ReadMessage()
		if err != nil {
			if st.ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				emitHeld(true)
				return
			}
			emit(tts.SynthesizedAudio{
				RequestID: st.requestID,
				Error:     ai.NewConnectionError("elevenlabs: read stream-input socket", err),
			})
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			msg := resp.Message
			if msg == "" {
				msg = resp.Error
			}
			emit(tts.SynthesizedAudio{
				RequestID: st.requestID,
				Error:     ai.NewRecognitionError("elevenlabs: "+msg, nil),
			})
			return
		}

		if resp.Audio != "" {
			pcm, decodeErr := base64.StdEncoding.DecodeString(resp.Audio)
			if decodeErr != nil || len(pcm) == 0 {
				continue
			}
			st.mu.Lock()
			segment := st.segmentID
			st.mu.Unlock()

			// A segment boundary finalizes the held chunk of the
			// previous segment.
			if held != nil && !emitHeld(held.segment != segment) {
				return
			}
			held = &heldChunk{data: pcm, segment: segment}
		}

		if resp.IsFinal {
			emitHeld(true)
			return
		}
	}
}
