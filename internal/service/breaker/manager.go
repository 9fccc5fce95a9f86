package breaker

import (
	"sort"
	"sync"

	"github.com/orbit-ai/orbit/internal/config"
)

// PolicyFunc resolves the effective policy for an adapter name.
type PolicyFunc func(adapter string) config.BreakerPolicy

// Manager lazily creates and owns one breaker per adapter name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	policy   PolicyFunc
}

// NewManager builds a manager; policy may be nil, in which case every
// breaker uses the package defaults.
func NewManager(policy PolicyFunc) *Manager {
	if policy == nil {
		policy = func(string) config.BreakerPolicy { return config.BreakerPolicy{} }
	}
	return &Manager{breakers: make(map[string]*Breaker), policy: policy}
}

// Get returns the breaker for an adapter, creating it on first use.
func (m *Manager) Get(adapter string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[adapter]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[adapter]; ok {
		return b
	}
	b = New(adapter, m.policy(adapter))
	m.breakers[adapter] = b
	return b
}

// Reset closes the named breaker; it reports false when no breaker exists
// for the name yet.
func (m *Manager) Reset(adapter string) bool {
	m.mu.RLock()
	b, ok := m.breakers[adapter]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every known breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// Snapshots returns the state of every breaker, ordered by adapter name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}
