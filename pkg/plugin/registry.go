// Package plugin is the provider registry. Provider packages register a
// factory per capability kind from init(), so importing a plugin package
// for side effects makes its providers available by name:
//
//	import _ "github.com/chriscow/agents-go/plugins/openai"
//	...
//	factory, ok := plugin.Get(plugin.KindLLM, "openai")
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Capability kinds. Registration accepts any non-empty string, but the
// built-in providers and the CLI use these.
const (
	KindSTT = "stt"
	KindTTS = "tts"
	KindLLM = "llm"
	KindVAD = "vad"
)

// Factory creates a provider instance from configuration. The returned
// value is cast by the caller to the capability interface for the plugin's
// kind (stt.STT, tts.TTS, llm.LLM, or vad.VAD).
type Factory func(cfg map[string]any) (any, error)

// Downloader fetches a plugin's model files. Plugins whose providers need
// weights on disk attach one so 'download-files' can prefetch them.
type Downloader interface {
	DownloadFiles(ctx context.Context) error
}

// Plugin is a registered provider with its metadata.
type Plugin struct {
	Kind        string // "stt", "tts", "llm", "vad"
	Name        string // provider name, e.g. "openai", "deepgram"
	Factory     Factory
	Description string
	Version     string
	Config      map[string]any // configuration keys and their defaults
	Downloader  Downloader     // optional
}

// Registry maps kind/name pairs to plugins. The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin // [kind][name]
}

var globalRegistry = &Registry{}

// Register adds a plugin to the global registry. It is typically called
// from a plugin package's init(). Panics if the kind/name pair is taken.
func Register(kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with metadata to the global registry.
// Panics if the kind/name pair is taken.
func RegisterWithMetadata(p *Plugin) {
	globalRegistry.RegisterWithMetadata(p)
}

// Get retrieves a factory from the global registry.
func Get(kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns the global registry's plugins of a kind, or all plugins
// when kind is empty.
func List(kind string) []*Plugin {
	return globalRegistry.List(kind)
}

// ListKinds returns the kinds registered in the global registry.
func ListKinds() []string {
	return globalRegistry.ListKinds()
}

// Register adds a plugin with no metadata beyond its kind and name.
// Panics if the kind/name pair is taken.
func (r *Registry) Register(kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{
		Kind:    kind,
		Name:    name,
		Factory: factory,
	})
}

// RegisterWithMetadata adds a plugin. Duplicate and incomplete
// registrations panic: they are programming errors in an init(), not
// runtime conditions a caller could handle.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if p.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins == nil {
		r.plugins = make(map[string]map[string]*Plugin)
	}
	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}

	if existing, ok := r.plugins[p.Kind][p.Name]; ok {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			p.Kind, p.Name, existing.Version, p.Version))
	}

	r.plugins[p.Kind][p.Name] = p
}

// Get retrieves a plugin factory.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[kind][name]
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// List returns the plugins of a kind sorted by kind then name. An empty
// kind returns every plugin.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins []*Plugin
	if kind == "" {
		for _, byName := range r.plugins {
			for _, p := range byName {
				plugins = append(plugins, p)
			}
		}
	} else {
		for _, p := range r.plugins[kind] {
			plugins = append(plugins, p)
		}
	}

	sort.Slice(plugins, func(i, j int) bool {
		if plugins[i].Kind != plugins[j].Kind {
			return plugins[i].Kind < plugins[j].Kind
		}
		return plugins[i].Name < plugins[j].Name
	})
	return plugins
}

// ListKinds returns all registered kinds in sorted order.
func (r *Registry) ListKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.plugins))
	for kind := range r.plugins {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Clear removes every plugin. Primarily useful in tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = nil
}
