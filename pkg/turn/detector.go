// Package turn scores end-of-utterance probability for conversational
// turn taking. A Detector looks at the recent chat history and estimates
// how likely it is that the user is done speaking, which the voice
// session uses to stretch or shrink its endpointing delay.
package turn

import (
	"context"
	"errors"

	"github.com/chriscow/agents-go/pkg/ai/llm"
)

// ErrUnsupportedLanguage is returned when the model has no tuned
// threshold for the requested language.
var ErrUnsupportedLanguage = errors.New("turn: unsupported language")

// ChatContext carries the recent conversation for end-of-utterance scoring.
type ChatContext struct {
	Messages []llm.Message
	Language string
}

// Detector estimates whether the user has finished their turn.
//
// Implementations: ONNXDetector runs the model in-process, RemoteDetector
// calls an HTTP inference server, and job processes use an executor-backed
// detector that relays requests to the worker over IPC.
type Detector interface {
	// UnlikelyThreshold returns the tuned probability threshold for the
	// language. Predictions below it mean the user probably has more to
	// say and the session should hold the turn open longer.
	UnlikelyThreshold(language string) (float64, error)

	// SupportsLanguage reports whether the model was tuned for language.
	SupportsLanguage(language string) bool

	// PredictEndOfTurn returns the probability (0-1) that the most recent
	// user message completes their turn.
	PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error)
}
