package openai

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/tts"
)

// OpenAI speech responses are fixed-format PCM.
const ttsSampleRate = 24000

const defaultVoice = "alloy"

// TTSOption configures a TTS instance.
type TTSOption func(*TTS)

// WithTTSModel sets the speech model.
func WithTTSModel(model openai.SpeechModel) TTSOption {
	return func(t *TTS) { t.model = model }
}

// WithTTSVoice sets the default voice used when a request does not name one.
func WithTTSVoice(voice string) TTSOption {
	return func(t *TTS) { t.voice = voice }
}

// WithTTSBaseURL points the client at an OpenAI-compatible endpoint.
func WithTTSBaseURL(baseURL string) TTSOption {
	return func(t *TTS) { t.baseURL = baseURL }
}

// TTS implements tts.TTS backed by the OpenAI speech API. Synthesis is
// one-shot per text; incremental input needs tts.NewStreamAdapter.
type TTS struct {
	client  *openai.Client
	model   openai.SpeechModel
	voice   string
	baseURL string
}

// NewTTS creates an OpenAI speech synthesis provider.
func NewTTS(apiKey string, opts ...TTSOption) (*TTS, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	t := &TTS{model: openai.TTSModel1HD, voice: defaultVoice}
	for _, o := range opts {
		o(t)
	}

	cfg := openai.DefaultConfig(apiKey)
	if t.baseURL != "" {
		cfg.BaseURL = t.baseURL
	}
	t.client = openai.NewClientWithConfig(cfg)
	return t, nil
}

// Synthesize implements tts.TTS. The response body is streamed out in
// roughly 100ms frames as it downloads.
func (t *TTS) Synthesize(ctx context.Context, text string, cfg tts.SynthesizeConfig) (<-chan tts.SynthesizedAudio, error) {
	cfg = cfg.WithDefaults()

	voice := t.voice
	if cfg.Voice != "" {
		voice = cfg.Voice
	}
	req := openai.CreateSpeechRequest{
		Model:          t.model,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if cfg.Speed > 0 {
		req.Speed = float64(cfg.Speed)
	}

	// Retry covers opening the response; body reads are governed by the
	// chunk timeout.
	var body io.ReadCloser
	err := ai.Retry(ctx, retryConfig(cfg.Conn), func(ctx context.Context) error {
		resp, callErr := t.client.CreateSpeech(ctx, req)
		if callErr != nil {
			return classifyError("speech synthesis", callErr)
		}
		body = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan tts.SynthesizedAudio, 16)
	go tts.EmitPCM(ctx, body, ttsSampleRate, cfg.ChunkTimeout, out)
	return out, nil
}

// NewStream implements tts.TTS. The speech API has no incremental input.
func (t *TTS) NewStream(ctx context.Context, cfg tts.SynthesizeConfig) (tts.SynthesizeStream, error) {
	return nil, errors.New("openai: tts is not a streaming provider, wrap it with tts.NewStreamAdapter")
}

// SampleRate implements tts.TTS.
func (t *TTS) SampleRate() int { return ttsSampleRate }

// Capabilities implements tts.TTS.
func (t *TTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming: false,
		SupportedVoices: []string{
			"alloy", "ash", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer",
		},
		SupportsSpeedControl: true,
	}
}
