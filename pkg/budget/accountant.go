package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"warden-hq/warden/pkg/scope"
	"warden-hq/warden/pkg/storage"
)

// Accountant resolves effective budgets and maintains per-scope
// consumption counters. All counter mutations run under a per-scope
// lock so concurrent recordings never lose updates.
type Accountant struct {
	store    storage.Backend
	locks    *storage.KeyedMutex
	defaults Config
	logger   *slog.Logger
	now      func() time.Time
}

// AccountantConfig configures an Accountant.
type AccountantConfig struct {
	// Defaults is the budget applied when no scope overrides exist.
	// Zero value fields fall back to DefaultConfig.
	Defaults Config

	Locks  *storage.KeyedMutex
	Logger *slog.Logger

	// NowFunc overrides the clock, for tests that cross daily reset
	// boundaries.
	NowFunc func() time.Time
}

// NewAccountant creates an accountant over the given backend.
func NewAccountant(store storage.Backend, cfg AccountantConfig) *Accountant {
	defaults := cfg.Defaults
	if defaults.Unit == "" {
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
	return &Accountant{
		store:    store,
		locks:    locks,
		defaults: defaults,
		logger:   logger.With("component", "budget"),
		now:      now,
	}
}

// Effective returns the budget in force for a scope: built-in
// defaults, overlaid with global overrides, overlaid with guild
// overrides. The result is validated; an unenforceable configuration
// returns ErrConfigInconsistent.
func (a *Accountant) Effective(ctx context.Context, sc scope.Scope) (Config, error) {
	cfg := a.defaults

	if err := a.applyOverrides(ctx, scope.Global(), &cfg); err != nil {
		return Config{}, err
	}
	if !sc.IsGlobal() {
		if err := a.applyOverrides(ctx, sc, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("budget for %s: %w", sc, err)
	}
	return cfg, nil
}

// Consumption returns the scope's counter with the daily reset
// applied. When a reset actually rolled the window, the zeroed
// counter is persisted so the reset is observed exactly once.
func (a *Accountant) Consumption(ctx context.Context, sc scope.Scope) (Counter, error) {
	cfg, err := a.Effective(ctx, sc)
	if err != nil {
		return Counter{}, err
	}

	unlock := a.locks.Lock(sc.Key())
	defer unlock()

	state, counter, rolled, err := a.loadCounter(ctx, sc, cfg)
	if err != nil {
		return Counter{}, err
	}
	if rolled {
		if err := a.saveCounter(ctx, state, counter); err != nil {
			return Counter{}, err
		}
	}
	return counter, nil
}

// WouldExceed projects whether adding delta would push the scope
// over its cap. It never mutates the counter beyond the lazy reset.
func (a *Accountant) WouldExceed(ctx context.Context, sc scope.Scope, delta float64) (Projection, error) {
	cfg, err := a.Effective(ctx, sc)
	if err != nil {
		return Projection{}, err
	}
	counter, err := a.Consumption(ctx, sc)
	if err != nil {
		return Projection{}, err
	}

	proj := Projection{
		Unlimited: cfg.Unlimited(),
		Cap:       cfg.DailyCap,
		Before:    counter.ConsumedToday,
		After:     counter.ConsumedToday + delta,
	}
	proj.Allowed = proj.Unlimited || proj.After <= cfg.DailyCap
	if !proj.Unlimited {
		before := proj.Before / cfg.DailyCap
		after := proj.After / cfg.DailyCap
		proj.CrossedWarn1 = before < cfg.Warn1Ratio && after >= cfg.Warn1Ratio
		proj.CrossedWarn2 = before < cfg.Warn2Ratio && after >= cfg.Warn2Ratio
	}
	return proj, nil
}

// Record adds delta to the scope's counter. Recording always
// succeeds, including past the cap; enforcement is the caller's
// pre-flight check. The receipt flags thresholds crossed by this
// delta, each at most once per window.
func (a *Accountant) Record(ctx context.Context, sc scope.Scope, delta float64) (Receipt, error) {
	if delta < 0 {
		return Receipt{}, fmt.Errorf("negative usage delta %v", delta)
	}
	cfg, err := a.Effective(ctx, sc)
	if err != nil {
		return Receipt{}, err
	}

	unlock := a.locks.Lock(sc.Key())
	defer unlock()

	state, counter, _, err := a.loadCounter(ctx, sc, cfg)
	if err != nil {
		return Receipt{}, err
	}

	before := counter.Ratio(cfg)
	counter.ConsumedToday += delta
	after := counter.Ratio(cfg)

	receipt := Receipt{Config: cfg}
	if !cfg.Unlimited() {
		receipt.CrossedWarn1 = before < cfg.Warn1Ratio && after >= cfg.Warn1Ratio
		receipt.CrossedWarn2 = before < cfg.Warn2Ratio && after >= cfg.Warn2Ratio
		receipt.CrossedCap = before < 1 && after >= 1
		receipt.OverBudget = after >= 1

		switch {
		case after >= cfg.Warn2Ratio:
			counter.LastWarnLevel = WarnLevel2
		case after >= cfg.Warn1Ratio:
			counter.LastWarnLevel = WarnLevel1
		}
	}

	if err := a.saveCounter(ctx, state, counter); err != nil {
		return Receipt{}, err
	}

	if receipt.CrossedWarn2 {
		a.logger.Warn("budget threshold crossed",
			"scope", sc.Key(), "level", WarnLevel2, "consumed", counter.ConsumedToday, "cap", cfg.DailyCap)
	} else if receipt.CrossedWarn1 {
		a.logger.Info("budget threshold crossed",
			"scope", sc.Key(), "level", WarnLevel1, "consumed", counter.ConsumedToday, "cap", cfg.DailyCap)
	}

	receipt.Counter = counter
	return receipt, nil
}

// Reset zeroes the scope's counter and realigns its window, clearing
// the warn level so thresholds can fire again.
func (a *Accountant) Reset(ctx context.Context, sc scope.Scope) error {
	cfg, err := a.Effective(ctx, sc)
	if err != nil {
		return err
	}

	unlock := a.locks.Lock(sc.Key())
	defer unlock()

	state, err := a.loadState(ctx, sc)
	if err != nil {
		return err
	}
	counter := Counter{
		Unit:        cfg.Unit,
		WindowStart: resetBoundary(a.now(), cfg.ResetHourUTC),
	}
	return a.saveCounter(ctx, state, counter)
}

// SetOverrides stores budget overrides at a scope. Values are
// validated against the resulting effective configuration so an
// admin cannot store an unenforceable budget.
func (a *Accountant) SetOverrides(ctx context.Context, sc scope.Scope, overrides storage.BudgetOverrides) error {
	unlock := a.locks.Lock(sc.Key())
	defer unlock()

	state, err := a.loadState(ctx, sc)
	if err != nil {
		return err
	}
	state.Budget = mergeOverrides(state.Budget, overrides)

	cfg := a.defaults
	applyState(&cfg, state.Budget)
	if err := cfg.Validate(); err != nil {
		return err
	}

	state.UpdatedAt = a.now()
	if err := a.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save budget for %s: %w", sc, err)
	}
	return nil
}

// loadCounter loads the scope state and returns the counter with the
// lazy reset applied. rolled reports whether a new window started.
func (a *Accountant) loadCounter(ctx context.Context, sc scope.Scope, cfg Config) (*storage.ScopeState, Counter, bool, error) {
	state, err := a.loadState(ctx, sc)
	if err != nil {
		return nil, Counter{}, false, err
	}

	boundary := resetBoundary(a.now(), cfg.ResetHourUTC)
	counter := Counter{Unit: cfg.Unit, WindowStart: boundary}

	u := state.Usage
	if u == nil {
		return state, counter, false, nil
	}

	if Unit(u.Unit) != cfg.Unit {
		// Budget unit changed; the old counter is meaningless, start
		// a fresh window.
		a.logger.Info("budget unit changed, starting fresh window",
			"scope", sc.Key(), "old_unit", u.Unit, "new_unit", cfg.Unit)
		return state, counter, true, nil
	}
	if u.WindowStart.Before(boundary) {
		return state, counter, true, nil
	}

	counter = Counter{
		Unit:          cfg.Unit,
		ConsumedToday: u.ConsumedToday,
		WindowStart:   u.WindowStart,
		LastWarnLevel: u.LastWarnLevel,
	}
	return state, counter, false, nil
}

func (a *Accountant) loadState(ctx context.Context, sc scope.Scope) (*storage.ScopeState, error) {
	state, err := a.store.Load(ctx, sc.Key())
	if err != nil {
		return nil, fmt.Errorf("load budget for %s: %w", sc, err)
	}
	if state == nil {
		state = storage.NewScopeState(sc.Key(), a.now())
	}
	return state, nil
}

func (a *Accountant) saveCounter(ctx context.Context, state *storage.ScopeState, counter Counter) error {
	state.Usage = &storage.UsageState{
		Unit:          string(counter.Unit),
		ConsumedToday: counter.ConsumedToday,
		WindowStart:   counter.WindowStart,
		LastWarnLevel: counter.LastWarnLevel,
	}
	state.UpdatedAt = a.now()
	if err := a.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save budget for %s: %w", state.Scope, err)
	}
	return nil
}

// applyOverrides loads a scope's stored overrides into cfg.
func (a *Accountant) applyOverrides(ctx context.Context, sc scope.Scope, cfg *Config) error {
	state, err := a.store.Load(ctx, sc.Key())
	if err != nil {
		return fmt.Errorf("load budget for %s: %w", sc, err)
	}
	if state == nil {
		return nil
	}
	applyState(cfg, state.Budget)
	return nil
}

func applyState(cfg *Config, o *storage.BudgetOverrides) {
	if o == nil {
		return
	}
	if o.Unit != nil {
		cfg.Unit = Unit(*o.Unit)
	}
	if o.DailyCap != nil {
		cfg.DailyCap = *o.DailyCap
	}
	if o.Warn1Ratio != nil {
		cfg.Warn1Ratio = *o.Warn1Ratio
	}
	if o.Warn2Ratio != nil {
		cfg.Warn2Ratio = *o.Warn2Ratio
	}
	if o.ResetHourUTC != nil {
		cfg.ResetHourUTC = *o.ResetHourUTC
	}
	if o.AdminChannelID != nil {
		cfg.AdminChannelID = *o.AdminChannelID
	}
	if o.DMAdmins != nil {
		cfg.DMAdmins = *o.DMAdmins
	}
}

// mergeOverrides layers new override values onto existing ones,
// keeping fields the caller did not set.
func mergeOverrides(existing *storage.BudgetOverrides, o storage.BudgetOverrides) *storage.BudgetOverrides {
	if existing == nil {
		existing = &storage.BudgetOverrides{}
	}
	if o.Unit != nil {
		existing.Unit = o.Unit
	}
	if o.DailyCap != nil {
		existing.DailyCap = o.DailyCap
	}
	if o.Warn1Ratio != nil {
		existing.Warn1Ratio = o.Warn1Ratio
	}
	if o.Warn2Ratio != nil {
		existing.Warn2Ratio = o.Warn2Ratio
	}
	if o.ResetHourUTC != nil {
		existing.ResetHourUTC = o.ResetHourUTC
	}
	if o.AdminChannelID != nil {
		existing.AdminChannelID = o.AdminChannelID
	}
	if o.DMAdmins != nil {
		existing.DMAdmins = o.DMAdmins
	}
	return existing
}
