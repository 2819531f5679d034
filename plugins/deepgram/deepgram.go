// Package deepgram provides streaming speech-to-text over the Deepgram
// real-time WebSocket API. Importing the package registers the provider
// with the plugin registry under "stt/deepgram"; the factory reads
// DEEPGRAM_API_KEY when no key is configured.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/rtc"
)

const (
	defaultBaseURL = "wss://api.deepgram.com/v1/listen"
	defaultModel   = "nova-3"

	// defaultEndpointing is Deepgram's silence threshold for speech_final
	// results. It is deliberately short: speech_final acts as the eager
	// end-of-turn hypothesis, the utterance-end timeout as the commitment.
	defaultEndpointing  = 25 * time.Millisecond
	defaultUtteranceEnd = time.Second

	keepAliveInterval = 5 * time.Second
)

var supportedLanguages = []string{
	"en", "en-US", "en-GB", "en-AU", "en-IN", "de", "es", "es-419", "fr",
	"fr-CA", "hi", "it", "ja", "ko", "nl", "pl", "pt", "pt-BR", "ru", "sv",
	"tr", "uk", "zh", "zh-CN", "zh-TW", "multi",
}

// Option configures an STT instance.
type Option func(*STT)

// WithModel sets the Deepgram model (e.g. "nova-3", "nova-2-general").
func WithModel(model string) Option {
	return func(s *STT) { s.model = model }
}

// WithBaseURL overrides the WebSocket endpoint, for self-hosted Deepgram.
func WithBaseURL(baseURL string) Option {
	return func(s *STT) { s.baseURL = baseURL }
}

// WithEndpointing sets the silence window after which Deepgram marks a
// result speech_final. Shorter values make the preflight hypothesis more
// eager.
func WithEndpointing(d time.Duration) Option {
	return func(s *STT) { s.endpointing = d }
}

// WithUtteranceEnd sets the word gap after which Deepgram commits the end
// of the utterance. Deepgram requires at least one second.
func WithUtteranceEnd(d time.Duration) Option {
	return func(s *STT) { s.utteranceEnd = d }
}

// WithSmartFormat enables Deepgram's smart formatting (numbers, dates,
// currency).
func WithSmartFormat(enabled bool) Option {
	return func(s *STT) { s.smartFormat = enabled }
}

// WithPunctuation toggles punctuation in transcripts.
func WithPunctuation(enabled bool) Option {
	return func(s *STT) { s.punctuate = enabled }
}

// WithKeyterms biases recognition toward domain vocabulary.
func WithKeyterms(terms ...string) Option {
	return func(s *STT) { s.keyterms = terms }
}

// STT implements stt.STT backed by Deepgram's streaming recognizer.
type STT struct {
	apiKey       string
	baseURL      string
	model        string
	punctuate    bool
	smartFormat  bool
	endpointing  time.Duration
	utteranceEnd time.Duration
	keyterms     []string
}

// New creates a Deepgram streaming STT provider.
func New(apiKey string, opts ...Option) (*STT, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	s := &STT{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		punctuate:    true,
		endpointing:  defaultEndpointing,
		utteranceEnd: defaultUtteranceEnd,
	}
	for _, o := range opts {
		o(s)
	}
	if s.utteranceEnd < time.Second {
		s.utteranceEnd = time.Second
	}
	return s, nil
}

// Capabilities implements stt.STT.
func (s *STT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:            true,
		InterimResults:       true,
		PreflightTranscripts: true,
		SupportedLanguages:   supportedLanguages,
		SampleRates:          []int{8000, 16000, 24000, 44100, 48000},
	}
}

// streamURL builds the listen endpoint for one session.
func (s *STT) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	q := url.Values{}
	q.Set("model", s.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.NumChannels))
	q.Set("punctuate", strconv.FormatBool(s.punctuate))
	q.Set("smart_format", strconv.FormatBool(s.smartFormat))
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.FormatInt(s.endpointing.Milliseconds(), 10))
	q.Set("utterance_end_ms", strconv.FormatInt(s.utteranceEnd.Milliseconds(), 10))
	if cfg.Lang != "" {
		q.Set("language", cfg.Lang)
	}
	for _, term := range s.keyterms {
		q.Add("keyterm", term)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream implements stt.STT. The connection attempt honors the config's
// retry and timeout options; once established, failures surface as in-band
// error events.
func (s *STT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.NumChannels == 0 {
		cfg.NumChannels = 1
	}

	endpoint, err := s.streamURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{"Authorization": []string{"Token " + s.apiKey}}

	conn := cfg.Conn.WithDefaults()
	retryCfg := ai.RetryConfig{
		MaxRetries:    conn.MaxRetry,
		InitialDelay:  conn.RetryInterval,
		MaxDelay:      conn.RetryInterval * 4,
		BackoffFactor: 2.0,
	}

	var ws *websocket.Conn
	err = ai.Retry(ctx, retryCfg, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, conn.Timeout)
		defer cancel()
		var resp *http.Response
		var dialErr error
		ws, resp, dialErr = websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
		if dialErr != nil {
			if resp != nil {
				return ai.NewStatusError("deepgram: dial listen endpoint", resp.StatusCode)
			}
			if errors.Is(dialErr, context.DeadlineExceeded) {
				return ai.NewTimeoutError("deepgram: dial listen endpoint", dialErr)
			}
			return ai.NewConnectionError("deepgram: dial listen endpoint", dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &sttStream{
		ctx:    streamCtx,
		cancel: cancel,
		ws:     ws,
		cfg:    cfg,
		events: make(chan stt.SpeechEvent, 32),
		audio:  make(chan []byte, 256),
		flush:  make(chan struct{}, 1),
	}
	st.wg.Add(2)
	go st.readLoop()
	go st.writeLoop()
	return st, nil
}

// sttStream is one live recognition session. A writer goroutine owns all
// socket writes; Push and Flush only hand work to it.
type sttStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	cfg    stt.StreamConfig

	events chan stt.SpeechEvent
	audio  chan []byte
	flush  chan struct{}

	mu        sync.Mutex
	sendDone  bool
	resampler *rtc.Resampler

	wg sync.WaitGroup

	// recognition state, readLoop only
	requestID string
	speaking  bool
	turnText  string
}

// Push implements stt.STTStream. Frames that do not match the session's
// audio format are converted before upload.
func (st *sttStream) Push(frame rtc.AudioFrame) error {
	st.mu.Lock()
	if st.sendDone {
		st.mu.Unlock()
		return errors.New("deepgram: stream closed for sending")
	}

	var err error
	if st.cfg.NumChannels == 1 && frame.NumChannels == 2 {
		frame = rtc.ToMono(frame)
	}
	if frame.SampleRate != st.cfg.SampleRate {
		if st.resampler == nil || st.resampler.SourceRate() != frame.SampleRate {
			st.resampler, err = rtc.NewResampler(frame.SampleRate, st.cfg.SampleRate, st.cfg.NumChannels)
			if err != nil {
				st.mu.Unlock()
				return fmt.Errorf("resample input: %w", err)
			}
		}
		frame, err = st.resampler.Push(frame)
		if err != nil {
			st.mu.Unlock()
			return fmt.Errorf("resample input: %w", err)
		}
	}
	st.mu.Unlock()

	if len(frame.Data) == 0 {
		return nil
	}
	select {
	case st.audio <- frame.Data:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

// Flush implements stt.STTStream: it asks Deepgram to finalize everything
// received so far without ending the session.
func (st *sttStream) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sendDone {
		return errors.New("deepgram: stream closed for sending")
	}
	select {
	case st.flush <- struct{}{}:
	default:
	}
	return nil
}

// CloseSend implements stt.STTStream. Remaining transcripts and the usage
// summary drain through Events before it closes.
func (st *sttStream) CloseSend() error {
	st.mu.Lock()
	if st.sendDone {
		st.mu.Unlock()
		return nil
	}
	st.sendDone = true
	st.mu.Unlock()
	close(st.audio)
	return nil
}

// Events implements stt.STTStream.
func (st *sttStream) Events() <-chan stt.SpeechEvent {
	return st.events
}

func (st *sttStream) writeLoop() {
	defer st.wg.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case data, ok := <-st.audio:
			if !ok {
				// Deepgram flushes pending audio, sends the summary
				// metadata and closes the socket.
				st.ws.WriteJSON(map[string]string{"type": "CloseStream"})
				return
			}
			if err := st.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				st.cancel()
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-st.flush:
			if err := st.ws.WriteJSON(map[string]string{"type": "Finalize"}); err != nil {
				st.cancel()
				return
			}
		case <-keepAlive.C:
			if err := st.ws.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				st.cancel()
				return
			}
		}
	}
}

func (st *sttStream) readLoop() {
	defer st.wg.Done()
	defer close(st.events)
	defer st.cancel()
	defer st.ws.Close()

	for {
		_, data, err := st.ws.ReadMessage()
		if err != nil {
			if st.ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			st.emit(stt.SpeechEvent{
				Type:      stt.SpeechEventError,
				RequestID: st.requestID,
				Error:     ai.NewConnectionError("deepgram: read listen socket", err),
			})
			return
		}
		if !st.handleMessage(data) {
			return
		}
	}
}

// listenMessage is the union of the message types the listen socket sends.
type listenMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	RequestID   string  `json:"request_id"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

// handleMessage maps one socket message onto speech events. It reports
// false when emission failed because the stream is shutting down.
func (st *sttStream) handleMessage(data []byte) bool {
	var msg listenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return true // skip unparseable frames
	}
	if st.requestID == "" {
		switch {
		case msg.Metadata.RequestID != "":
			st.requestID = msg.Metadata.RequestID
		case msg.RequestID != "":
			st.requestID = msg.RequestID
		default:
			st.requestID = uuid.NewString()
		}
	}

	switch msg.Type {
	case "SpeechStarted":
		if st.speaking {
			return true
		}
		st.speaking = true
		return st.emit(stt.SpeechEvent{Type: stt.SpeechEventStartOfSpeech, RequestID: st.requestID})

	case "Results":
		return st.handleResults(msg)

	case "UtteranceEnd":
		st.speaking = false
		st.turnText = ""
		return st.emit(stt.SpeechEvent{Type: stt.SpeechEventEndOfSpeech, RequestID: st.requestID})

	case "Metadata":
		// Session summary, sent after CloseStream.
		if msg.Duration <= 0 {
			return true
		}
		return st.emit(stt.SpeechEvent{
			Type:      stt.SpeechEventUsage,
			RequestID: st.requestID,
			Usage: &stt.RecognitionUsage{
				AudioDuration: time.Duration(msg.Duration * float64(time.Second)),
			},
		})
	}
	return true
}

// handleResults emits interim and final transcripts. A speech_final result
// additionally emits a preflight carrying the accumulated turn text: the
// short endpointing window makes it an eager hypothesis that the
// utterance-end commitment may still overrule.
func (st *sttStream) handleResults(msg listenMessage) bool {
	if len(msg.Channel.Alternatives) == 0 {
		return true
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return true
	}

	speechData := stt.SpeechData{
		Text:       alt.Transcript,
		Language:   st.cfg.Lang,
		StartTime:  time.Duration(msg.Start * float64(time.Second)),
		EndTime:    time.Duration((msg.Start + msg.Duration) * float64(time.Second)),
		Confidence: alt.Confidence,
	}
	if st.cfg.AlignedTranscript && msg.IsFinal {
		speechData.Words = make([]stt.SpeechWord, len(alt.Words))
		for i, w := range alt.Words {
			speechData.Words[i] = stt.SpeechWord{
				Text:      w.Word,
				StartTime: time.Duration(w.Start * float64(time.Second)),
				EndTime:   time.Duration(w.End * float64(time.Second)),
			}
		}
	}

	if !msg.IsFinal {
		if !st.cfg.InterimResults {
			return true
		}
		return st.emit(stt.SpeechEvent{
			Type:         stt.SpeechEventInterim,
			RequestID:    st.requestID,
			Alternatives: []stt.SpeechData{speechData},
		})
	}

	if st.turnText == "" {
		st.turnText = alt.Transcript
	} else {
		st.turnText += " " + alt.Transcript
	}
	if !st.emit(stt.SpeechEvent{
		Type:         stt.SpeechEventFinal,
		RequestID:    st.requestID,
		Alternatives: []stt.SpeechData{speechData},
	}) {
		return false
	}

	if msg.SpeechFinal {
		preflight := speechData
		preflight.Text = st.turnText
		preflight.Words = nil
		return st.emit(stt.SpeechEvent{
			Type:         stt.SpeechEventPreflight,
			RequestID:    st.requestID,
			Alternatives: []stt.SpeechData{preflight},
		})
	}
	return true
}

func (st *sttStream) emit(event stt.SpeechEvent) bool {
	select {
	case st.events <- event:
		return true
	case <-st.ctx.Done():
		return false
	}
}
