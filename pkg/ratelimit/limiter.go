package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"warden-hq/warden/pkg/scope"
	"warden-hq/warden/pkg/storage"
)

// Limiter checks and advances rate-limit windows stored per scope.
type Limiter struct {
	store    storage.Backend
	locks    *storage.KeyedMutex
	defaults Config
	logger   *slog.Logger
	now      func() time.Time
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	// Defaults apply when a scope has no stored overrides. Zero
	// value falls back to DefaultConfig.
	Defaults Config

	Locks  *storage.KeyedMutex
	Logger *slog.Logger

	// NowFunc overrides the clock for tests.
	NowFunc func() time.Time
}

// NewLimiter creates a limiter over the given backend.
func NewLimiter(store storage.Backend, cfg LimiterConfig) *Limiter {
	defaults := cfg.Defaults
	if defaults == (Config{}) {
		defaults = DefaultConfig()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = storage.NewKeyedMutex()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		store:    store,
		locks:    locks,
		defaults: defaults,
		logger:   logger.With("component", "ratelimit"),
		now:      now,
	}
}

// Effective returns the limits in force for a scope: defaults
// overlaid with global then guild overrides.
func (l *Limiter) Effective(ctx context.Context, sc scope.Scope) (Config, error) {
	cfg := l.defaults

	if err := l.applyOverrides(ctx, scope.Global(), &cfg); err != nil {
		return Config{}, err
	}
	if !sc.IsGlobal() {
		if err := l.applyOverrides(ctx, sc, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Check counts one event against the window for key. A limit of
// zero or less means unlimited: the check passes without touching
// storage. Bypassed checks pass without incrementing so exempt
// traffic never consumes window slots. A denied check does not
// increment and is not rolled back later.
func (l *Limiter) Check(ctx context.Context, sc scope.Scope, key string, limit int, window time.Duration, bypass bool) (Result, error) {
	if limit <= 0 || bypass {
		return Result{Allowed: true}, nil
	}
	if window <= 0 {
		window = Window
	}

	unlock := l.locks.Lock(sc.Key())
	defer unlock()

	state, err := l.store.Load(ctx, sc.Key())
	if err != nil {
		return Result{}, fmt.Errorf("load windows for %s: %w", sc, err)
	}
	now := l.now()
	if state == nil {
		state = storage.NewScopeState(sc.Key(), now)
	}
	if state.Windows == nil {
		state.Windows = make(map[string]storage.Window)
	}

	w, ok := state.Windows[key]
	if !ok || !now.Before(w.WindowStart.Add(window)) {
		// First event, or the previous window expired.
		w = storage.Window{Count: 0, WindowStart: now}
	}
	w.Duration = window

	if w.Count >= int64(limit) {
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: w.WindowStart.Add(window).Sub(now),
		}, nil
	}

	w.Count++
	state.Windows[key] = w
	state.UpdatedAt = now
	if err := l.store.Save(ctx, state); err != nil {
		return Result{}, fmt.Errorf("save windows for %s: %w", sc, err)
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(w.Count),
	}, nil
}

// Cooldown enforces a minimum spacing for key: one event per
// cooldown period. A zero cooldown always passes.
func (l *Limiter) Cooldown(ctx context.Context, sc scope.Scope, key string, cooldown time.Duration, bypass bool) (Result, error) {
	if cooldown <= 0 {
		return Result{Allowed: true}, nil
	}
	return l.Check(ctx, sc, key, 1, cooldown, bypass)
}

// SetOverrides stores rate-limit overrides at a scope. Fields the
// caller leaves nil keep their current value.
func (l *Limiter) SetOverrides(ctx context.Context, sc scope.Scope, o storage.RateLimitOverrides) error {
	unlock := l.locks.Lock(sc.Key())
	defer unlock()

	state, err := l.store.Load(ctx, sc.Key())
	if err != nil {
		return fmt.Errorf("load limits for %s: %w", sc, err)
	}
	if state == nil {
		state = storage.NewScopeState(sc.Key(), l.now())
	}
	if state.RateLimits == nil {
		state.RateLimits = &storage.RateLimitOverrides{}
	}

	r := state.RateLimits
	if o.CooldownSec != nil {
		r.CooldownSec = o.CooldownSec
	}
	if o.PerUserPerMin != nil {
		r.PerUserPerMin = o.PerUserPerMin
	}
	if o.PerChannelPerMin != nil {
		r.PerChannelPerMin = o.PerChannelPerMin
	}
	if o.ToolsPerUserPerMin != nil {
		r.ToolsPerUserPerMin = o.ToolsPerUserPerMin
	}
	if o.ToolsPerGuildPerMin != nil {
		r.ToolsPerGuildPerMin = o.ToolsPerGuildPerMin
	}

	state.UpdatedAt = l.now()
	if err := l.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save limits for %s: %w", sc, err)
	}
	return nil
}

// Windows returns a snapshot of the scope's windows that still have
// time remaining, for status displays.
func (l *Limiter) Windows(ctx context.Context, sc scope.Scope) ([]WindowStatus, error) {
	state, err := l.store.Load(ctx, sc.Key())
	if err != nil {
		return nil, fmt.Errorf("load windows for %s: %w", sc, err)
	}
	if state == nil {
		return nil, nil
	}

	now := l.now()
	var out []WindowStatus
	for key, w := range state.Windows {
		// Windows persisted before durations were stored fall back
		// to the fixed minute window.
		d := w.Duration
		if d <= 0 {
			d = Window
		}
		resetsIn := w.WindowStart.Add(d).Sub(now)
		if resetsIn <= 0 {
			continue
		}
		out = append(out, WindowStatus{Key: key, Count: w.Count, ResetsIn: resetsIn})
	}
	return out, nil
}

func (l *Limiter) applyOverrides(ctx context.Context, sc scope.Scope, cfg *Config) error {
	state, err := l.store.Load(ctx, sc.Key())
	if err != nil {
		return fmt.Errorf("load limits for %s: %w", sc, err)
	}
	if state == nil || state.RateLimits == nil {
		return nil
	}

	o := state.RateLimits
	if o.CooldownSec != nil {
		cfg.CooldownSec = *o.CooldownSec
	}
	if o.PerUserPerMin != nil {
		cfg.PerUserPerMin = *o.PerUserPerMin
	}
	if o.PerChannelPerMin != nil {
		cfg.PerChannelPerMin = *o.PerChannelPerMin
	}
	if o.ToolsPerUserPerMin != nil {
		cfg.ToolsPerUserPerMin = *o.ToolsPerUserPerMin
	}
	if o.ToolsPerGuildPerMin != nil {
		cfg.ToolsPerGuildPerMin = *o.ToolsPerGuildPerMin
	}
	return nil
}
