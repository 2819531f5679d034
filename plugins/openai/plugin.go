package openai

import (
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/agents-go/pkg/plugin"
)

func apiKeyFromConfig(cfg map[string]any) (string, error) {
	if apiKey, ok := cfg["api_key"].(string); ok && apiKey != "" {
		return apiKey, nil
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		return apiKey, nil
	}
	return "", fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY environment variable or provide api_key in config)")
}

func newLLMFromConfig(cfg map[string]any) (any, error) {
	apiKey, err := apiKeyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var opts []LLMOption
	if model, ok := cfg["model"].(string); ok && model != "" {
		opts = append(opts, WithLLMModel(model))
	}
	if baseURL, ok := cfg["base_url"].(string); ok && baseURL != "" {
		opts = append(opts, WithLLMBaseURL(baseURL))
	}
	return NewLLM(apiKey, opts...)
}

func newSTTFromConfig(cfg map[string]any) (any, error) {
	apiKey, err := apiKeyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var opts []STTOption
	if model, ok := cfg["model"].(string); ok && model != "" {
		opts = append(opts, WithWhisperModel(model))
	}
	if baseURL, ok := cfg["base_url"].(string); ok && baseURL != "" {
		opts = append(opts, WithWhisperBaseURL(baseURL))
	}
	return NewWhisperSTT(apiKey, opts...)
}

func newTTSFromConfig(cfg map[string]any) (any, error) {
	apiKey, err := apiKeyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var opts []TTSOption
	if model, ok := cfg["model"].(string); ok && model != "" {
		opts = append(opts, WithTTSModel(openai.SpeechModel(model)))
	}
	if voice, ok := cfg["voice"].(string); ok && voice != "" {
		opts = append(opts, WithTTSVoice(voice))
	}
	if baseURL, ok := cfg["base_url"].(string); ok && baseURL != "" {
		opts = append(opts, WithTTSBaseURL(baseURL))
	}
	return NewTTS(apiKey, opts...)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Factory:     newLLMFromConfig,
		Description: "OpenAI GPT chat completion service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    defaultLLMModel,
			"base_url": "override for OpenAI-compatible endpoints (optional)",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "openai",
		Factory:     newSTTFromConfig,
		Description: "OpenAI Whisper speech-to-text service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    openai.Whisper1,
			"base_url": "override for OpenAI-compatible endpoints (optional)",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     newTTSFromConfig,
		Description: "OpenAI text-to-speech service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    string(openai.TTSModel1HD),
			"voice":    defaultVoice,
			"base_url": "override for OpenAI-compatible endpoints (optional)",
		},
	})
}
