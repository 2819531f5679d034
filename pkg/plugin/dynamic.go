//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
)

// LoadDynamicPlugins opens every .so file in dir and invokes its exported
// RegisterPlugins func, which is expected to add providers to the global
// registry. An empty dir means LK_PLUGIN_PATH, then
// /usr/local/lib/agents-go/plugins. A missing directory is not an error;
// out-of-tree providers are optional.
//
// Only available on Linux with the plugindyn build tag; Go's plugin
// package does not support other platforms well enough to rely on.
func LoadDynamicPlugins(dir string) error {
	if dir == "" {
		dir = os.Getenv("LK_PLUGIN_PATH")
	}
	if dir == "" {
		dir = "/usr/local/lib/agents-go/plugins"
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	soFiles, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("scan plugin directory %s: %w", dir, err)
	}

	for _, soFile := range soFiles {
		if err := loadSharedObject(soFile); err != nil {
			return fmt.Errorf("load plugin %s: %w", soFile, err)
		}
		slog.Info("loaded dynamic plugin", "file", soFile)
	}
	return nil
}

func loadSharedObject(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return err
	}

	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("missing RegisterPlugins symbol: %w", err)
	}
	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func() error", sym)
	}
	return register()
}
