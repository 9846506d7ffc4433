package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/keplear/keplear/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: capture source not registered")

// SourceFactory constructs an [audio.Source] from the capture block.
type SourceFactory func(CaptureConfig) (audio.Source, error)

// Registry maps capture-source names to their constructor functions.
// Built-in sources are registered by main; tests register mocks.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates the capture source named in entry.Source.
func (r *Registry) CreateSource(entry CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, entry.Source)
	}
	return factory(entry)
}

// SourceNames returns the currently registered source names, for startup
// logging.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// OptString extracts a string value from a capture Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// OptInt extracts an int value from a capture Options map, defaulting to 0
// when absent or mistyped.
func OptInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}

// OptBool extracts a bool value from a capture Options map, defaulting to
// false when absent or mistyped.
func OptBool(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	v, ok := opts[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
