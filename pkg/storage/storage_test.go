package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// backendUnderTest builds each backend so the contract tests run
// against both implementations.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite backend: %v", err)
	}

	return map[string]Backend{
		"memory": NewMemoryBackend(MemoryConfig{}),
		"sqlite": sqlite,
	}
}

// ============================================================================
// Backend Contract Tests
// ============================================================================

func TestBackendSaveLoad(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()
			ctx := context.Background()

			state := NewScopeState("guild:100", time.Now())
			state.Usage = &UsageState{
				Unit:          "tokens",
				ConsumedToday: 1234,
				WindowStart:   time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
			}
			state.Policy = &PolicyState{
				Deny: map[string][]string{"openai": {"gpt-4o"}},
			}

			if err := backend.Save(ctx, state); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := backend.Load(ctx, "guild:100")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded == nil {
				t.Fatal("Load returned nil for saved scope")
			}
			if loaded.Usage == nil || loaded.Usage.ConsumedToday != 1234 {
				t.Errorf("usage not round-tripped: %+v", loaded.Usage)
			}
			if loaded.Policy == nil || len(loaded.Policy.Deny["openai"]) != 1 {
				t.Errorf("policy not round-tripped: %+v", loaded.Policy)
			}
		})
	}
}

func TestBackendLoadMissing(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()

			state, err := backend.Load(context.Background(), "guild:missing")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if state != nil {
				t.Errorf("expected nil state for missing scope, got %+v", state)
			}
		})
	}
}

func TestBackendDelete(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()
			ctx := context.Background()

			if err := backend.Save(ctx, NewScopeState("guild:del", time.Now())); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := backend.Delete(ctx, "guild:del"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			state, err := backend.Load(ctx, "guild:del")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if state != nil {
				t.Error("state should be gone after delete")
			}

			// Deleting again is not an error.
			if err := backend.Delete(ctx, "guild:del"); err != nil {
				t.Errorf("second Delete failed: %v", err)
			}
		})
	}
}

func TestBackendList(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()
			ctx := context.Background()

			for _, key := range []string{"global", "guild:1", "guild:2"} {
				if err := backend.Save(ctx, NewScopeState(key, time.Now())); err != nil {
					t.Fatalf("Save(%s) failed: %v", key, err)
				}
			}

			states, err := backend.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(states) != 3 {
				t.Errorf("expected 3 states, got %d", len(states))
			}
		})
	}
}

func TestBackendCleanup(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer backend.Close()
			ctx := context.Background()

			old := NewScopeState("guild:stale", time.Now())
			if err := backend.Save(ctx, old); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			// Nothing is older than a cutoff in the past.
			removed, err := backend.Cleanup(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			if removed != 0 {
				t.Errorf("expected 0 removed, got %d", removed)
			}

			// Everything is older than a cutoff in the future.
			removed, err = backend.Cleanup(ctx, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			if removed != 1 {
				t.Errorf("expected 1 removed, got %d", removed)
			}
		})
	}
}

// ============================================================================
// Memory Backend Specifics
// ============================================================================

func TestMemoryEviction(t *testing.T) {
	backend := NewMemoryBackend(MemoryConfig{MaxEntries: 2})
	defer backend.Close()
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{"guild:a", "guild:b", "guild:c"} {
		state := NewScopeState(key, base)
		state.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := backend.Save(ctx, state); err != nil {
			t.Fatalf("Save(%s) failed: %v", key, err)
		}
	}

	// Oldest entry should have been evicted.
	state, err := backend.Load(ctx, "guild:a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state != nil {
		t.Error("guild:a should have been evicted")
	}
	for _, key := range []string{"guild:b", "guild:c"} {
		state, err := backend.Load(ctx, key)
		if err != nil || state == nil {
			t.Errorf("%s should still exist (err=%v)", key, err)
		}
	}
}

func TestMemoryLoadReturnsCopy(t *testing.T) {
	backend := NewMemoryBackend(MemoryConfig{})
	defer backend.Close()
	ctx := context.Background()

	state := NewScopeState("guild:copy", time.Now())
	state.Usage = &UsageState{Unit: "tokens", ConsumedToday: 10}
	if err := backend.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	first, _ := backend.Load(ctx, "guild:copy")
	first.Usage.ConsumedToday = 999

	second, _ := backend.Load(ctx, "guild:copy")
	if second.Usage.ConsumedToday != 10 {
		t.Errorf("mutating a loaded copy leaked into storage: %v", second.Usage.ConsumedToday)
	}
}

// ============================================================================
// SQLite Backend Specifics
// ============================================================================

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	state := NewScopeState("guild:durable", time.Now())
	state.Usage = &UsageState{Unit: "usd", ConsumedToday: 1.25}
	if err := backend.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "guild:durable")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || loaded.Usage == nil || loaded.Usage.ConsumedToday != 1.25 {
		t.Errorf("state did not survive reopen: %+v", loaded)
	}
}

func TestSQLiteCloseIdempotent(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// ============================================================================
// Keyed Mutex
// ============================================================================

func TestKeyedMutexSerializes(t *testing.T) {
	locks := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("guild:1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
}
