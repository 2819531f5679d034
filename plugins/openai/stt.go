package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/stt"
	"github.com/chriscow/agents-go/pkg/audio/wav"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// whisperLanguages are the ISO 639-1 codes Whisper was trained on.
var whisperLanguages = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl",
	"ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro",
	"da", "hu", "ta", "no", "th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy",
	"sk", "te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk", "br", "eu",
	"is", "hy", "ne", "mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km",
	"sn", "yo", "so", "af", "oc", "ka", "be", "tg", "sd", "gu", "am", "yi", "lo",
	"uz", "fo", "ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl", "mg",
	"as", "tt", "haw", "ln", "ha", "ba", "jw", "su",
}

// STTOption configures a WhisperSTT instance.
type STTOption func(*WhisperSTT)

// WithWhisperModel sets the transcription model.
func WithWhisperModel(model string) STTOption {
	return func(w *WhisperSTT) { w.model = model }
}

// WithWhisperBaseURL points the client at an OpenAI-compatible endpoint.
func WithWhisperBaseURL(baseURL string) STTOption {
	return func(w *WhisperSTT) { w.baseURL = baseURL }
}

// WhisperSTT transcribes complete utterances with the OpenAI audio API.
// Whisper has no streaming endpoint, so the provider implements the one-shot
// stt.Recognizer interface; wrap it with stt.NewStreamAdapter to use it where
// a streaming provider is expected.
type WhisperSTT struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewWhisperSTT creates a Whisper transcription provider.
func NewWhisperSTT(apiKey string, opts ...STTOption) (*WhisperSTT, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	w := &WhisperSTT{model: openai.Whisper1}
	for _, o := range opts {
		o(w)
	}

	cfg := openai.DefaultConfig(apiKey)
	if w.baseURL != "" {
		cfg.BaseURL = w.baseURL
	}
	w.client = openai.NewClientWithConfig(cfg)
	return w, nil
}

// NewStream implements stt.STT. Whisper cannot stream.
func (w *WhisperSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	return nil, errors.New("openai: whisper is not a streaming provider, wrap it with stt.NewStreamAdapter")
}

// Capabilities implements stt.STT.
func (w *WhisperSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          false,
		InterimResults:     false,
		SupportedLanguages: whisperLanguages,
	}
}

// Recognize implements stt.Recognizer: it uploads the buffered utterance as
// a WAV file and returns a single final transcript.
func (w *WhisperSTT) Recognize(ctx context.Context, frames []rtc.AudioFrame, cfg stt.StreamConfig) (stt.SpeechEvent, error) {
	combined, err := rtc.CombineFrames(frames)
	if err != nil {
		return stt.SpeechEvent{}, fmt.Errorf("combine frames: %w", err)
	}
	wavData, err := wav.Encode([]rtc.AudioFrame{combined})
	if err != nil {
		return stt.SpeechEvent{}, fmt.Errorf("encode wav: %w", err)
	}

	conn := cfg.Conn.WithDefaults()
	var resp openai.AudioResponse
	err = ai.Retry(ctx, retryConfig(conn), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, conn.Timeout)
		defer cancel()
		req := openai.AudioRequest{
			Model:    w.model,
			Reader:   bytes.NewReader(wavData),
			FilePath: "audio.wav",
			Language: cfg.Lang,
			Format:   openai.AudioResponseFormatVerboseJSON,
		}
		var callErr error
		resp, callErr = w.client.CreateTranscription(callCtx, req)
		if callErr != nil {
			return classifyError("transcription", callErr)
		}
		return nil
	})
	if err != nil {
		return stt.SpeechEvent{}, err
	}

	// Whisper reports no direct confidence; derive one from the segments'
	// no-speech probabilities.
	confidence := 0.95
	if len(resp.Segments) > 0 {
		total := 0.0
		for _, seg := range resp.Segments {
			total += 1.0 - seg.NoSpeechProb
		}
		confidence = total / float64(len(resp.Segments))
	}

	audioDuration := combined.Duration()
	if resp.Duration > 0 {
		audioDuration = time.Duration(resp.Duration * float64(time.Second))
	}

	return stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		RequestID: uuid.NewString(),
		Alternatives: []stt.SpeechData{{
			Text:       resp.Text,
			Language:   resp.Language,
			EndTime:    audioDuration,
			Confidence: confidence,
		}},
		Usage: &stt.RecognitionUsage{AudioDuration: audioDuration},
	}, nil
}
