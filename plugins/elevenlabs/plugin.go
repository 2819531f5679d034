package elevenlabs

import (
	"fmt"
	"os"

	"github.com/chriscow/agents-go/pkg/plugin"
)

func newTTSFromConfig(cfg map[string]any) (any, error) {
	apiKey, _ := cfg["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required (set ELEVENLABS_API_KEY environment variable or provide api_key in config)")
	}

	var opts []Option
	if voice, ok := cfg["voice"].(string); ok && voice != "" {
		opts = append(opts, WithVoice(voice))
	}
	if model, ok := cfg["model"].(string); ok && model != "" {
		opts = append(opts, WithModel(model))
	}
	if format, ok := cfg["output_format"].(string); ok && format != "" {
		opts = append(opts, WithOutputFormat(format))
	}
	return New(apiKey, opts...)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "elevenlabs",
		Factory:     newTTSFromConfig,
		Description: "ElevenLabs streaming text-to-speech service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":       "ElevenLabs API key (or set ELEVENLABS_API_KEY env var)",
			"voice":         defaultVoiceID,
			"model":         defaultModel,
			"output_format": defaultOutputFormat,
		},
	})
}
