package silero

import (
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/agents-go/internal/onnxenv"
)

// scorer produces a speech probability for consecutive fixed-size windows
// of mono 16-bit audio at the detector's sample rate.
type scorer interface {
	windowSize() int
	score(samples []int16) (float64, error)
	close()
}

// windowSizeFor returns the model's window length in samples. The Silero
// network only accepts these two rates.
func windowSizeFor(sampleRate int) int {
	if sampleRate == 8000 {
		return 256
	}
	return 512
}

// contextSizeFor returns how many trailing samples of the previous window
// the model wants prepended to the next one.
func contextSizeFor(sampleRate int) int {
	if sampleRate == 8000 {
		return 32
	}
	return 64
}

// onnxModel wraps one loaded Silero session. Streams share the session and
// carry their own recurrent state, so concurrent runs are serialized here.
type onnxModel struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	sampleRate int
	window     int
	context    int
}

func loadModel(modelFile string, sampleRate int) (*onnxModel, error) {
	if err := onnxenv.Ensure(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	// The network is tiny; a single thread per run beats scheduling overhead.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelFile,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxModel{
		session:    session,
		sampleRate: sampleRate,
		window:     windowSizeFor(sampleRate),
		context:    contextSizeFor(sampleRate),
	}, nil
}

func (m *onnxModel) close() error {
	return m.session.Destroy()
}

// newScorer allocates the per-stream tensors: the input window with its
// context prefix, the recurrent state, and the sample-rate scalar.
func (m *onnxModel) newScorer() (*onnxScorer, error) {
	input, err := ort.NewTensor(ort.NewShape(1, int64(m.context+m.window)),
		make([]float32, m.context+m.window))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, 2*128))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(m.sampleRate)})
	if err != nil {
		input.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("create sample rate tensor: %w", err)
	}
	return &onnxScorer{model: m, input: input, state: state, sr: sr}, nil
}

type onnxScorer struct {
	model *onnxModel
	input *ort.Tensor[float32]
	state *ort.Tensor[float32]
	sr    *ort.Tensor[int64]
}

func (s *onnxScorer) windowSize() int { return s.model.window }

func (s *onnxScorer) score(samples []int16) (float64, error) {
	data := s.input.GetData()
	ctxLen := s.model.context
	for i, v := range samples {
		data[ctxLen+i] = float32(v) / 32768.0
	}

	outputs := []ort.Value{nil, nil}
	s.model.mu.Lock()
	err := s.model.session.Run([]ort.Value{s.input, s.state, s.sr}, outputs)
	s.model.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("run vad model: %w", err)
	}

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		outputs[1].Destroy()
		return 0, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	probs := out.GetData()
	if len(probs) == 0 {
		outputs[0].Destroy()
		outputs[1].Destroy()
		return 0, fmt.Errorf("empty output tensor")
	}
	prob := float64(probs[0])

	if next, ok := outputs[1].(*ort.Tensor[float32]); ok {
		copy(s.state.GetData(), next.GetData())
	}
	outputs[0].Destroy()
	outputs[1].Destroy()

	// The tail of this window is the next window's context.
	copy(data[:ctxLen], data[len(data)-ctxLen:])

	return math.Min(math.Max(prob, 0), 1), nil
}

func (s *onnxScorer) close() {
	s.input.Destroy()
	s.state.Destroy()
	s.sr.Destroy()
}

// energySpeechRMS is the normalized RMS mapped to probability 1.0 by the
// fallback scorer. Conversational speech sits around 0.05-0.2 full scale,
// room noise well under 0.01.
const energySpeechRMS = 0.05

// energyScorer approximates voice activity from RMS energy when no model
// is available. Accuracy is far below the network's, but the event
// contract is identical so sessions keep working.
type energyScorer struct {
	window int
}

func (s *energyScorer) windowSize() int { return s.window }

func (s *energyScorer) score(samples []int16) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	rms := math.Sqrt(sum/float64(len(samples))) / 32768.0
	return math.Min(rms/energySpeechRMS, 1.0), nil
}

func (s *energyScorer) close() {}
