package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods for a name no
// factory was registered under.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the name to constructor table of one provider kind.
type factories[P any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]Factory[P]
}

func (f *factories[P]) register(name string, fn Factory[P]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]Factory[P])
	}
	f.m[name] = fn
}

func (f *factories[P]) create(entry ProviderEntry) (P, error) {
	f.mu.RLock()
	fn, ok := f.m[entry.Name]
	f.mu.RUnlock()

	var zero P
	if !ok {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := fn(entry)
	if err != nil {
		return zero, fmt.Errorf("config: create %s/%s: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

func (f *factories[P]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.m))
}

// Registry maps provider names to constructors, one table per kind. It is
// safe for concurrent use; a later registration under the same name
// replaces the earlier one.
type Registry struct {
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: factories[llm.Provider]{kind: "llm"},
		stt: factories[stt.Provider]{kind: "stt"},
		tts: factories[tts.Provider]{kind: "tts"},
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { r.llm.register(name, f) }
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { r.stt.register(name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { r.tts.register(name, f) }

// CreateLLM builds the chat provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }

// CreateSTT builds the transcription provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

// CreateTTS builds the synthesis provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }

// Names returns the sorted provider names registered for kind ("llm",
// "stt" or "tts"). Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "llm":
		return r.llm.names()
	case "stt":
		return r.stt.names()
	case "tts":
		return r.tts.names()
	}
	return nil
}
