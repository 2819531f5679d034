package deepgram

import (
	"fmt"
	"os"
	"time"

	"github.com/chriscow/agents-go/pkg/plugin"
)

func newSTTFromConfig(cfg map[string]any) (any, error) {
	apiKey, _ := cfg["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Deepgram API key is required (set DEEPGRAM_API_KEY environment variable or provide api_key in config)")
	}

	var opts []Option
	if model, ok := cfg["model"].(string); ok && model != "" {
		opts = append(opts, WithModel(model))
	}
	if baseURL, ok := cfg["base_url"].(string); ok && baseURL != "" {
		opts = append(opts, WithBaseURL(baseURL))
	}
	if ms, ok := cfg["endpointing_ms"].(int); ok && ms > 0 {
		opts = append(opts, WithEndpointing(time.Duration(ms)*time.Millisecond))
	}
	if ms, ok := cfg["utterance_end_ms"].(int); ok && ms > 0 {
		opts = append(opts, WithUtteranceEnd(time.Duration(ms)*time.Millisecond))
	}
	if smart, ok := cfg["smart_format"].(bool); ok {
		opts = append(opts, WithSmartFormat(smart))
	}
	if punctuate, ok := cfg["punctuate"].(bool); ok {
		opts = append(opts, WithPunctuation(punctuate))
	}
	return New(apiKey, opts...)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "deepgram",
		Factory:     newSTTFromConfig,
		Description: "Deepgram streaming speech-to-text service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":          "Deepgram API key (or set DEEPGRAM_API_KEY env var)",
			"model":            defaultModel,
			"endpointing_ms":   "silence before an eager end-of-turn result (default 25)",
			"utterance_end_ms": "word gap that commits the end of the utterance (default 1000)",
			"smart_format":     "format numbers, dates and currency (default false)",
			"punctuate":        "punctuate transcripts (default true)",
		},
	})
}
