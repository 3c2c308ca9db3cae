package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryBackend keeps scope state in process memory. It is the
// default backend for tests and single-process deployments that can
// tolerate losing counters on restart.
type MemoryBackend struct {
	mu         sync.RWMutex
	states     map[string]*ScopeState
	maxEntries int
	logger     *slog.Logger
}

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// MaxEntries bounds the number of scopes held. Zero means 10000.
	MaxEntries int
	Logger     *slog.Logger
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBackend{
		states:     make(map[string]*ScopeState),
		maxEntries: cfg.MaxEntries,
		logger:     logger.With("component", "storage.memory"),
	}
}

// Save persists a deep copy of the state.
func (m *MemoryBackend) Save(_ context.Context, state *ScopeState) error {
	if state == nil || state.Scope == "" {
		return fmt.Errorf("invalid scope state")
	}
	cp, err := cloneState(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[state.Scope]; !exists && len(m.states) >= m.maxEntries {
		m.evictOldestLocked()
	}
	m.states[state.Scope] = cp
	return nil
}

// Load returns a deep copy of the stored state, or (nil, nil) when
// the scope has no state.
func (m *MemoryBackend) Load(_ context.Context, scopeKey string) (*ScopeState, error) {
	m.mu.RLock()
	state, ok := m.states[scopeKey]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return cloneState(state)
}

// Delete removes the state for a scope. Deleting an absent scope is
// not an error.
func (m *MemoryBackend) Delete(_ context.Context, scopeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, scopeKey)
	return nil
}

// List returns deep copies of all stored states.
func (m *MemoryBackend) List(_ context.Context) ([]*ScopeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ScopeState, 0, len(m.states))
	for _, state := range m.states {
		cp, err := cloneState(state)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Cleanup removes scopes not updated since the cutoff.
func (m *MemoryBackend) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, state := range m.states {
		if state.UpdatedAt.Before(olderThan) {
			delete(m.states, key)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("cleaned up stale scope state", "removed", removed)
	}
	return removed, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// evictOldestLocked drops the least recently updated scope to stay
// under the entry cap. Caller must hold m.mu.
func (m *MemoryBackend) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, state := range m.states {
		if oldestKey == "" || state.UpdatedAt.Before(oldest) {
			oldestKey = key
			oldest = state.UpdatedAt
		}
	}
	if oldestKey != "" {
		delete(m.states, oldestKey)
		m.logger.Warn("evicted scope state at capacity", "scope", oldestKey)
	}
}

// cloneState deep-copies a state document via its JSON form so saved
// and loaded documents never share mutable maps.
func cloneState(state *ScopeState) (*ScopeState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("clone scope state: %w", err)
	}
	var cp ScopeState
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("clone scope state: %w", err)
	}
	return &cp, nil
}
