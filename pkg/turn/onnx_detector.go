package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/turn/internal"
)

const (
	// modelFileRel is the relative path to the ONNX model within a revision directory.
	modelFileRel = "onnx/model_q8.onnx"

	// maxChatTurns is how many trailing messages feed the model.
	maxChatTurns = 6

	// maxTokens is the model's context window. Longer chats are truncated
	// from the left so the newest turns survive.
	maxTokens = 128

	// slowInferenceWarning is the latency above which a prediction is
	// logged. The endpointing delay budget assumes inference stays well
	// under the minimum delay.
	slowInferenceWarning = 25 * time.Millisecond
)

// ONNXDetector runs the end-of-utterance model in-process.
//
// The session, tokenizer, and language thresholds are loaded lazily on
// first use so that constructing a detector is cheap and never touches
// disk. Model files must already exist locally; run
// 'agents-go download-files' to fetch them.
type ONNXDetector struct {
	modelInfo internal.ModelInfo
	modelPath string

	sessionOnce sync.Once
	session     *ort.DynamicAdvancedSession
	sessionErr  error

	tokenizerOnce sync.Once
	tokenizer     *tokenizer.Tokenizer
	tokenizerErr  error

	languagesOnce sync.Once
	languages     map[string]float64
	languagesErr  error
}

// NewONNXDetector creates a local detector for the named model
// ("english" or "multilingual"). modelPath is the HuggingFace hub cache
// directory; empty means LK_MODEL_PATH, HF_HUB_CACHE, HF_HOME, or
// ~/.cache/huggingface/hub.
func NewONNXDetector(modelName, modelPath string) (*ONNXDetector, error) {
	modelInfo, ok := internal.FindModel(modelName)
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", modelName)
	}
	if modelPath == "" {
		modelPath = getDefaultModelPath()
	}
	return &ONNXDetector{
		modelInfo: modelInfo,
		modelPath: modelPath,
	}, nil
}

// UnlikelyThreshold returns the tuned threshold for the language.
func (d *ONNXDetector) UnlikelyThreshold(language string) (float64, error) {
	if err := d.loadLanguages(); err != nil {
		return 0, err
	}
	threshold, exists := d.languages[language]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return threshold, nil
}

// SupportsLanguage reports whether the model has a tuned threshold for language.
func (d *ONNXDetector) SupportsLanguage(language string) bool {
	if err := d.loadLanguages(); err != nil {
		return false
	}
	_, exists := d.languages[language]
	return exists
}

// PredictEndOfTurn returns the probability (0-1) that the user has
// finished speaking given the recent chat.
func (d *ONNXDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	startTime := time.Now()

	if err := d.loadSession(); err != nil {
		return 0, fmt.Errorf("load onnx session: %w", err)
	}
	if err := d.loadTokenizer(); err != nil {
		return 0, fmt.Errorf("load tokenizer: %w", err)
	}

	ids, err := d.tokenizeChat(chatCtx)
	if err != nil {
		return 0, fmt.Errorf("tokenize chat: %w", err)
	}
	if len(ids) == 0 {
		// Nothing to score, report a neutral probability.
		return 0.5, nil
	}

	probability, err := d.runInference(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("inference: %w", err)
	}

	if latency := time.Since(startTime); latency > slowInferenceWarning {
		slog.Warn("slow end-of-utterance inference",
			"latency", latency,
			"model", d.modelInfo.Name,
			"tokens", len(ids))
	}
	return probability, nil
}

// Close releases the ONNX session. Not safe to call concurrently with
// PredictEndOfTurn.
func (d *ONNXDetector) Close() error {
	if d.session != nil {
		return d.session.Destroy()
	}
	return nil
}

// loadSession creates the inference session once. A dynamic session is
// required because the input length varies per prediction.
func (d *ONNXDetector) loadSession() error {
	d.sessionOnce.Do(func() {
		modelFile, err := d.resolveFile(modelFileRel)
		if err != nil {
			d.sessionErr = err
			return
		}

		if err := ensureOrtEnv(); err != nil {
			d.sessionErr = fmt.Errorf("initialize onnx runtime: %w", err)
			return
		}

		options, err := ort.NewSessionOptions()
		if err != nil {
			d.sessionErr = fmt.Errorf("create session options: %w", err)
			return
		}
		defer options.Destroy()

		if err := options.SetIntraOpNumThreads(max(1, runtime.NumCPU()/2)); err != nil {
			d.sessionErr = fmt.Errorf("set intra-op threads: %w", err)
			return
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			d.sessionErr = fmt.Errorf("set inter-op threads: %w", err)
			return
		}
		if err := options.AddSessionConfigEntry("session.dynamic_block_base", "4"); err != nil {
			d.sessionErr = fmt.Errorf("set session.dynamic_block_base: %w", err)
			return
		}

		d.session, err = ort.NewDynamicAdvancedSession(
			modelFile,
			[]string{"input_ids"},
			[]string{"logits"},
			options,
		)
		if err != nil {
			d.sessionErr = fmt.Errorf("create onnx session: %w", err)
		}
	})
	return d.sessionErr
}

// resolveFile locates one of the model's files in the hub cache.
func (d *ONNXDetector) resolveFile(filename string) (string, error) {
	path, err := internal.SnapshotFilePath(d.modelPath, d.modelInfo.Repo, d.modelInfo.Revision, filename)
	if err != nil {
		return "", fmt.Errorf("model %s not downloaded (run 'agents-go download-files' first): %w", d.modelInfo.Name, err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("model file missing: %s (run 'agents-go download-files' first)", path)
	}
	return path, nil
}

// loadTokenizer loads the HuggingFace tokenizer from tokenizer.json once.
func (d *ONNXDetector) loadTokenizer() error {
	d.tokenizerOnce.Do(func() {
		tokenizerFile, err := d.resolveFile("tokenizer.json")
		if err != nil {
			d.tokenizerErr = err
			return
		}

		tk, err := pretrained.FromFile(tokenizerFile)
		if err != nil {
			d.tokenizerErr = fmt.Errorf("load tokenizer: %w", err)
			return
		}
		d.tokenizer = tk
	})
	return d.tokenizerErr
}

// loadLanguages parses languages.json once and caches the thresholds.
func (d *ONNXDetector) loadLanguages() error {
	d.languagesOnce.Do(func() {
		langFile, err := d.resolveFile("languages.json")
		if err != nil {
			d.languagesErr = err
			return
		}

		file, err := os.Open(langFile)
		if err != nil {
			d.languagesErr = fmt.Errorf("open languages.json: %w", err)
			return
		}
		defer file.Close()

		var cfg map[string]float64
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			d.languagesErr = fmt.Errorf("decode languages.json: %w", err)
			return
		}
		d.languages = cfg
	})
	return d.languagesErr
}

// tokenizeChat renders the chat template and tokenizes it, left-truncated
// to the model's context window.
func (d *ONNXDetector) tokenizeChat(chatCtx ChatContext) ([]int64, error) {
	chatText := formatChatForModel(chatCtx.Messages)
	if chatText == "" {
		return nil, nil
	}

	encoding, err := d.tokenizer.EncodeSingle(chatText, false)
	if err != nil {
		return nil, err
	}

	tokenIds := encoding.GetIds()
	if len(tokenIds) > maxTokens {
		tokenIds = tokenIds[len(tokenIds)-maxTokens:]
	}

	ids := make([]int64, len(tokenIds))
	for i, id := range tokenIds {
		ids[i] = int64(id)
	}
	return ids, nil
}

// formatChatForModel renders the trailing turns with the model's chat
// template: <|im_start|><|role|>content<|im_end|> per message. Only user
// and assistant messages participate.
func formatChatForModel(messages []llm.Message) string {
	filtered := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		filtered = append(filtered, msg)
	}
	if len(filtered) > maxChatTurns {
		filtered = filtered[len(filtered)-maxChatTurns:]
	}

	var sb strings.Builder
	for _, msg := range filtered {
		fmt.Fprintf(&sb, "<|im_start|><|%s|>%s<|im_end|>", string(msg.Role), msg.Content)
	}
	return sb.String()
}

// runInference executes the model and returns the EOU probability.
func (d *ONNXDetector) runInference(ctx context.Context, ids []int64) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	inputShape := ort.NewShape(1, int64(len(ids)))
	input, err := ort.NewTensor(inputShape, ids)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return 0, fmt.Errorf("run model: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	defer out.Destroy()

	data := out.GetData()
	if len(data) == 0 {
		return 0, errors.New("empty output tensor")
	}
	return min(max(float64(data[0]), 0), 1), nil
}

// getDefaultModelPath returns the HuggingFace hub cache directory.
func getDefaultModelPath() string {
	if path := os.Getenv("LK_MODEL_PATH"); path != "" {
		return path
	}
	if path := os.Getenv("HF_HUB_CACHE"); path != "" {
		return path
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/huggingface/hub"
	}
	return filepath.Join(homeDir, ".cache", "huggingface", "hub")
}
