// Package token implements the per-kind property-name tokenizer: a small,
// append-only dictionary assigning compact integer ids to property names.
// The dictionary is persisted with its kind's document; primary and index
// entries are not encoded with it and carry full property names.
package token

import "sync"

// Map is one kind's token dictionary. Assignments are append-only — once a
// name has a token it keeps it for the life of the kind, even across
// putKind updates.
type Map struct {
	mu      sync.RWMutex
	byName  map[string]uint16
	byToken []string // index i holds the name for token i+1 (token 0 is reserved/unused)
}

// New constructs an empty token map.
func New() *Map {
	return &Map{byName: map[string]uint16{}}
}

// Load reconstructs a token map from a previously persisted ordered name
// list (index i -> token i+1), as stored alongside the kind document.
func Load(names []string) *Map {
	m := &Map{byName: make(map[string]uint16, len(names)), byToken: append([]string(nil), names...)}
	for i, n := range names {
		m.byName[n] = uint16(i + 1)
	}
	return m
}

// Names returns the ordered list suitable for persisting back with the kind
// document; index i corresponds to token i+1.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.byToken...)
}

// IdFromToken resolves a property name to its token, allocating a new one
// if name hasn't been seen before. The zero token is never assigned.
func (m *Map) IdFromToken(name string) uint16 {
	m.mu.RLock()
	if id, ok := m.byName[name]; ok {
		m.mu.RUnlock()
		return id
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return id
	}
	m.byToken = append(m.byToken, name)
	id := uint16(len(m.byToken))
	m.byName[name] = id
	return id
}

// TokenFromId resolves a token back to its property name; ok is false for an
// unknown or zero token (a write from a newer, incompatible kind version).
func (m *Map) TokenFromId(id uint16) (name string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == 0 || int(id) > len(m.byToken) {
		return "", false
	}
	return m.byToken[id-1], true
}

// Len reports how many names have been assigned a token.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}
