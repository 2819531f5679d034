package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/llm"
)

// Inference method names used by both the HTTP server protocol and the
// worker's IPC inference channel.
const (
	MethodPredictEOU   = "eou_predict"
	MethodEOUThreshold = "eou_threshold"
)

// PredictRequest is the payload for an end-of-utterance prediction.
type PredictRequest struct {
	Messages []llm.Message `json:"messages"`
	Language string        `json:"language,omitempty"`
}

// PredictResponse carries the prediction result.
type PredictResponse struct {
	Probability float64 `json:"eou_probability"`
	Error       string  `json:"error,omitempty"`
}

// ThresholdRequest asks for the tuned threshold of a language.
type ThresholdRequest struct {
	Language string `json:"language"`
}

// ThresholdResponse carries the threshold lookup result.
type ThresholdResponse struct {
	Threshold float64 `json:"threshold"`
	Supported bool    `json:"supported"`
	Error     string  `json:"error,omitempty"`
}

// InferenceExecutor runs a named inference method somewhere else, usually
// the worker process on the far side of a job's IPC pipe.
type InferenceExecutor interface {
	ExecuteInference(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// HandleInference serves the turn-detection methods on behalf of a local
// detector. The worker registers this with its IPC server so that job
// processes can use an ExecutorDetector without loading model files.
// Returns false when method is not a turn-detection method.
func HandleInference(ctx context.Context, det Detector, method string, payload []byte) ([]byte, bool, error) {
	switch method {
	case MethodPredictEOU:
		var req PredictRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, true, fmt.Errorf("decode predict request: %w", err)
		}
		var resp PredictResponse
		prob, err := det.PredictEndOfTurn(ctx, ChatContext{Messages: req.Messages, Language: req.Language})
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Probability = prob
		}
		out, err := json.Marshal(resp)
		return out, true, err

	case MethodEOUThreshold:
		var req ThresholdRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, true, fmt.Errorf("decode threshold request: %w", err)
		}
		var resp ThresholdResponse
		threshold, err := det.UnlikelyThreshold(req.Language)
		switch {
		case err == nil:
			resp.Threshold = threshold
			resp.Supported = true
		case errors.Is(err, ErrUnsupportedLanguage):
			// Not an error, the caller caches the negative result.
		default:
			resp.Error = err.Error()
		}
		out, err := json.Marshal(resp)
		return out, true, err

	default:
		return nil, false, nil
	}
}

// ExecutorDetector relays predictions through an InferenceExecutor. Job
// processes use it so the expensive ONNX session lives once in the worker
// instead of once per job.
type ExecutorDetector struct {
	executor InferenceExecutor
	timeout  time.Duration

	mu         sync.Mutex
	thresholds map[string]ThresholdResponse
}

// NewExecutorDetector creates a detector backed by executor.
func NewExecutorDetector(executor InferenceExecutor) *ExecutorDetector {
	return &ExecutorDetector{
		executor:   executor,
		timeout:    defaultRemoteTimeout,
		thresholds: make(map[string]ThresholdResponse),
	}
}

// UnlikelyThreshold fetches the tuned threshold over the executor. Results
// are cached per language, threshold maps never change within a revision.
func (d *ExecutorDetector) UnlikelyThreshold(language string) (float64, error) {
	resp, err := d.lookupThreshold(language)
	if err != nil {
		return 0, err
	}
	if !resp.Supported {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return resp.Threshold, nil
}

// SupportsLanguage reports whether the worker's model supports language.
func (d *ExecutorDetector) SupportsLanguage(language string) bool {
	resp, err := d.lookupThreshold(language)
	return err == nil && resp.Supported
}

// PredictEndOfTurn relays the prediction to the worker.
func (d *ExecutorDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	payload, err := json.Marshal(PredictRequest{
		Messages: chatCtx.Messages,
		Language: chatCtx.Language,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal predict request: %w", err)
	}

	raw, err := d.executor.ExecuteInference(ctx, MethodPredictEOU, payload)
	if err != nil {
		return 0, fmt.Errorf("execute inference: %w", err)
	}

	var resp PredictResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode predict response: %w", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("inference error: %s", resp.Error)
	}
	if resp.Probability < 0 || resp.Probability > 1 {
		return 0, fmt.Errorf("invalid probability: %f", resp.Probability)
	}
	return resp.Probability, nil
}

func (d *ExecutorDetector) lookupThreshold(language string) (ThresholdResponse, error) {
	d.mu.Lock()
	cached, ok := d.thresholds[language]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	payload, err := json.Marshal(ThresholdRequest{Language: language})
	if err != nil {
		return ThresholdResponse{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	raw, err := d.executor.ExecuteInference(ctx, MethodEOUThreshold, payload)
	if err != nil {
		return ThresholdResponse{}, fmt.Errorf("execute inference: %w", err)
	}

	var resp ThresholdResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ThresholdResponse{}, fmt.Errorf("decode threshold response: %w", err)
	}
	if resp.Error != "" {
		return ThresholdResponse{}, fmt.Errorf("inference error: %s", resp.Error)
	}

	d.mu.Lock()
	d.thresholds[language] = resp
	d.mu.Unlock()
	return resp, nil
}
