package turn

import "github.com/chriscow/agents-go/internal/onnxenv"

// ensureOrtEnv initializes the shared ONNX runtime environment. Kept as a
// package-level indirection so detector code reads the same either way.
func ensureOrtEnv() error {
	return onnxenv.Ensure()
}
