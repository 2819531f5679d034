//go:build integration

package turn

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/agents-go/pkg/ai/llm"
)

// TestPredictEndOfTurnIntegration exercises the real English model on
// disk. Run 'agents-go download-files' first, then
// go test -tags integration ./pkg/turn.
func TestPredictEndOfTurnIntegration(t *testing.T) {
	is := is.New(t)

	detector, err := NewONNXDetector("english", "")
	is.NoErr(err)
	defer detector.Close()

	chatCtx := ChatContext{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello, how are you?"}},
		Language: "en-US",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prob, err := detector.PredictEndOfTurn(ctx, chatCtx)
	if err != nil {
		t.Skipf("onnxruntime or model files unavailable: %v", err)
	}
	is.True(prob >= 0 && prob <= 1)

	threshold, err := detector.UnlikelyThreshold("en-US")
	is.NoErr(err)
	is.True(threshold > 0 && threshold < 1)
}
