// Package onnxenv owns process-wide ONNX runtime initialization. The
// runtime rejects repeated InitializeEnvironment calls, and both the
// turn detector and the VAD plugin load models, possibly concurrently.
package onnxenv

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	once    sync.Once
	initErr error
)

// Ensure initializes the ONNX runtime environment exactly once per
// process and returns the same result on every call.
func Ensure() error {
	once.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			// Homebrew install location.
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}
