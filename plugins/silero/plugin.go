package silero

import (
	"time"

	"github.com/chriscow/agents-go/pkg/plugin"
)

func newVADFromConfig(cfg map[string]any) (any, error) {
	var opts []Option
	if v, ok := cfg["activation_threshold"].(float64); ok {
		opts = append(opts, WithActivationThreshold(v))
	}
	if ms, ok := cfg["min_speech_ms"].(int); ok {
		opts = append(opts, WithMinSpeechDuration(time.Duration(ms)*time.Millisecond))
	}
	if ms, ok := cfg["min_silence_ms"].(int); ok {
		opts = append(opts, WithMinSilenceDuration(time.Duration(ms)*time.Millisecond))
	}
	if ms, ok := cfg["prefix_padding_ms"].(int); ok {
		opts = append(opts, WithPrefixPaddingDuration(time.Duration(ms)*time.Millisecond))
	}
	if s, ok := cfg["max_buffered_speech_s"].(int); ok {
		opts = append(opts, WithMaxBufferedSpeech(time.Duration(s)*time.Second))
	}
	if rate, ok := cfg["sample_rate"].(int); ok {
		opts = append(opts, WithSampleRate(rate))
	}
	if path, ok := cfg["model_path"].(string); ok && path != "" {
		opts = append(opts, WithModelPath(path))
	}
	return New(opts...)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     newVADFromConfig,
		Description: "Silero voice activity detection (ONNX model, energy fallback)",
		Version:     "1.0.0",
		Config: map[string]any{
			"activation_threshold":  defaultActivationThreshold,
			"min_speech_ms":         int(defaultMinSpeechDuration / time.Millisecond),
			"min_silence_ms":        int(defaultMinSilenceDuration / time.Millisecond),
			"prefix_padding_ms":     int(defaultPrefixPaddingDuration / time.Millisecond),
			"max_buffered_speech_s": int(defaultMaxBufferedSpeech / time.Second),
			"sample_rate":           defaultSampleRate,
			"model_path":            "",
		},
		Downloader: NewDownloader(),
	})
}
