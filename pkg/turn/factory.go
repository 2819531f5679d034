package turn

import (
	"fmt"
	"os"
)

// DetectorConfig selects how turn detection runs.
type DetectorConfig struct {
	Model     string            // "english" or "multilingual", defaults to english
	ModelPath string            // model cache directory, defaults to LK_MODEL_PATH
	RemoteURL string            // HTTP inference server, also read from LIVEKIT_REMOTE_EOT_URL
	Executor  InferenceExecutor // relay predictions to the worker instead of running locally
}

// NewDetector creates a turn detector from config.
//
// An Executor wins over everything else: job processes never load model
// files themselves. A RemoteURL wraps the local detector so remote
// failures degrade to in-process inference. Otherwise the ONNX detector
// runs locally.
func NewDetector(config DetectorConfig) (Detector, error) {
	if config.Executor != nil {
		return NewExecutorDetector(config.Executor), nil
	}

	remoteURL := config.RemoteURL
	if remoteURL == "" {
		remoteURL = os.Getenv("LIVEKIT_REMOTE_EOT_URL")
	}

	if config.Model == "" {
		config.Model = "english"
	}
	switch config.Model {
	case "english", "multilingual":
	default:
		return nil, fmt.Errorf("invalid model name: %s (supported: english|multilingual)", config.Model)
	}

	localDetector, err := NewONNXDetector(config.Model, config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("create onnx detector: %w", err)
	}

	if remoteURL != "" {
		return NewRemoteDetector(remoteURL, localDetector), nil
	}
	return localDetector, nil
}

// NewDefaultDetector creates an English-model local detector.
func NewDefaultDetector() (Detector, error) {
	return NewDetector(DetectorConfig{Model: "english"})
}
