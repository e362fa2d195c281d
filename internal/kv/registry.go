package kv

import (
	"fmt"
	"sync"
)

// Factory constructs a fresh, unopened Engine instance.
type Factory func() Engine

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register installs a named engine factory. Concrete engines (badgerkv,
// memkv) call this from an init() func so the engine can be selected by
// name at process start without every caller importing every backend.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("kv: nil factory for " + name)
	}
	registry[name] = f
}

// New constructs a fresh Engine for the named, previously-registered backend.
func New(name string) (Engine, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("kv: no engine registered under %q", name)
	}
	return f(), nil
}

// Names returns the currently registered engine names, for diagnostics.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}
