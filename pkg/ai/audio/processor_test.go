package audio

import (
	"errors"
	"testing"

	"github.com/chriscow/agents-go/pkg/ai"
)

func TestNewProcessorConfigEnablesEverything(t *testing.T) {
	config := NewProcessorConfig()

	if !config.EchoCancellation {
		t.Error("EchoCancellation should be enabled by default")
	}
	if !config.NoiseSuppression {
		t.Error("NoiseSuppression should be enabled by default")
	}
	if !config.HighPassFilter {
		t.Error("HighPassFilter should be enabled by default")
	}
	if !config.AutoGainControl {
		t.Error("AutoGainControl should be enabled by default")
	}
}

func TestZeroConfigDisablesEverything(t *testing.T) {
	var config ProcessorConfig

	if config.EchoCancellation || config.NoiseSuppression ||
		config.HighPassFilter || config.AutoGainControl {
		t.Errorf("zero config should disable all stages, got %+v", config)
	}
}

func TestErrorAliasesClassify(t *testing.T) {
	if !ai.IsRecoverable(ErrRecoverable) {
		t.Error("ErrRecoverable should classify as recoverable")
	}
	if !errors.Is(ErrFatal, ai.ErrFatal) {
		t.Error("ErrFatal should be the shared fatal sentinel")
	}
}
