package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"warden-hq/warden/pkg/scope"
	"warden-hq/warden/pkg/storage"
)

// List names for model policy mutations.
const (
	ListAllow = "allow"
	ListDeny  = "deny"
)

// Resolver computes effective model policy and tool governance for a
// scope by merging guild state over global state, and applies admin
// mutations to the store.
type Resolver struct {
	store  storage.Backend
	locks  *storage.KeyedMutex
	logger *slog.Logger
}

// NewResolver creates a policy resolver over the given backend.
func NewResolver(store storage.Backend, locks *storage.KeyedMutex, logger *slog.Logger) *Resolver {
	if locks == nil {
		locks = storage.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		locks:  locks,
		logger: logger.With("component", "policy"),
	}
}

// Resolve returns the effective model policy for a scope. Guild
// lists are unioned with the global lists; deny entries from either
// level are absolute.
func (r *Resolver) Resolve(ctx context.Context, sc scope.Scope) (ModelPolicy, error) {
	global, err := r.loadPolicy(ctx, scope.Global())
	if err != nil {
		return ModelPolicy{}, err
	}
	if sc.IsGlobal() {
		return global, nil
	}

	guild, err := r.loadPolicy(ctx, sc)
	if err != nil {
		return ModelPolicy{}, err
	}

	return ModelPolicy{
		Allow: unionLists(global.Allow, guild.Allow),
		Deny:  unionLists(global.Deny, guild.Deny),
	}, nil
}

// IsAllowed reports whether the scope may call provider/model under
// the effective policy.
func (r *Resolver) IsAllowed(ctx context.Context, sc scope.Scope, provider, model string) (bool, error) {
	p, err := r.Resolve(ctx, sc)
	if err != nil {
		return false, err
	}
	return p.Allows(provider, model), nil
}

// AddModel places provider/model on the named list ("allow" or
// "deny") at the given scope.
func (r *Resolver) AddModel(ctx context.Context, sc scope.Scope, list, provider, model string) error {
	if provider == "" || model == "" {
		return fmt.Errorf("provider and model are required")
	}
	return r.mutate(ctx, sc, func(state *storage.ScopeState) error {
		if state.Policy == nil {
			state.Policy = &storage.PolicyState{}
		}
		target, err := policyList(state.Policy, list)
		if err != nil {
			return err
		}
		key := strings.ToLower(provider)
		entry := strings.ToLower(model)
		if containsFold((*target)[key], entry) {
			return nil
		}
		if *target == nil {
			*target = make(map[string][]string)
		}
		(*target)[key] = append((*target)[key], entry)
		return nil
	})
}

// RemoveModel removes provider/model from the named list at the
// given scope. Removing an absent entry is not an error.
func (r *Resolver) RemoveModel(ctx context.Context, sc scope.Scope, list, provider, model string) error {
	return r.mutate(ctx, sc, func(state *storage.ScopeState) error {
		if state.Policy == nil {
			return nil
		}
		target, err := policyList(state.Policy, list)
		if err != nil {
			return err
		}
		key := strings.ToLower(provider)
		entry := strings.ToLower(model)
		models := (*target)[key]
		for i, m := range models {
			if strings.EqualFold(m, entry) {
				(*target)[key] = append(models[:i], models[i+1:]...)
				break
			}
		}
		if len((*target)[key]) == 0 {
			delete(*target, key)
		}
		return nil
	})
}

// ClearPolicy removes all model policy entries at the given scope.
func (r *Resolver) ClearPolicy(ctx context.Context, sc scope.Scope) error {
	return r.mutate(ctx, sc, func(state *storage.ScopeState) error {
		state.Policy = nil
		return nil
	})
}

// Governance returns the effective tool governance for a scope.
// Tool and channel lists union across global and guild; per-tool
// overrides and the daily token ceiling take the guild value when
// set, otherwise the global one.
func (r *Resolver) Governance(ctx context.Context, sc scope.Scope) (ToolGovernance, error) {
	global, err := r.loadGovernance(ctx, scope.Global())
	if err != nil {
		return ToolGovernance{}, err
	}
	if sc.IsGlobal() {
		return global, nil
	}

	guild, err := r.loadGovernance(ctx, sc)
	if err != nil {
		return ToolGovernance{}, err
	}

	merged := ToolGovernance{
		AllowTools:         unionFold(global.AllowTools, guild.AllowTools),
		DenyTools:          unionFold(global.DenyTools, guild.DenyTools),
		AllowChannels:      unionFold(global.AllowChannels, guild.AllowChannels),
		DenyChannels:       unionFold(global.DenyChannels, guild.DenyChannels),
		PerUserMinute:      mergeIntMaps(global.PerUserMinute, guild.PerUserMinute),
		ToolCooldownSec:    mergeIntMaps(global.ToolCooldownSec, guild.ToolCooldownSec),
		PerUserDailyTokens: global.PerUserDailyTokens,
	}
	if guild.PerUserDailyTokens > 0 {
		merged.PerUserDailyTokens = guild.PerUserDailyTokens
	}
	return merged, nil
}

// MutateGovernance applies an admin mutation to the governance state
// at the given scope under the scope lock.
func (r *Resolver) MutateGovernance(ctx context.Context, sc scope.Scope, fn func(*storage.GovernanceState)) error {
	return r.mutate(ctx, sc, func(state *storage.ScopeState) error {
		if state.Governance == nil {
			state.Governance = &storage.GovernanceState{}
		}
		fn(state.Governance)
		return nil
	})
}

// ToolCooldown returns the cooldown configured for a tool, or zero.
func (g ToolGovernance) ToolCooldown(tool string) time.Duration {
	for name, sec := range g.ToolCooldownSec {
		if strings.EqualFold(name, tool) && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return 0
}

// PerUserMinuteFor returns the per-user per-minute override for a
// tool, or zero when the scope-wide default applies.
func (g ToolGovernance) PerUserMinuteFor(tool string) int {
	for name, limit := range g.PerUserMinute {
		if strings.EqualFold(name, tool) && limit > 0 {
			return limit
		}
	}
	return 0
}

func (r *Resolver) loadPolicy(ctx context.Context, sc scope.Scope) (ModelPolicy, error) {
	state, err := r.store.Load(ctx, sc.Key())
	if err != nil {
		return ModelPolicy{}, fmt.Errorf("load policy for %s: %w", sc, err)
	}
	if state == nil || state.Policy == nil {
		return ModelPolicy{}, nil
	}
	return ModelPolicy{Allow: state.Policy.Allow, Deny: state.Policy.Deny}, nil
}

func (r *Resolver) loadGovernance(ctx context.Context, sc scope.Scope) (ToolGovernance, error) {
	state, err := r.store.Load(ctx, sc.Key())
	if err != nil {
		return ToolGovernance{}, fmt.Errorf("load governance for %s: %w", sc, err)
	}
	if state == nil || state.Governance == nil {
		return ToolGovernance{}, nil
	}
	g := state.Governance
	return ToolGovernance{
		AllowTools:         g.AllowTools,
		DenyTools:          g.DenyTools,
		AllowChannels:      g.AllowChannels,
		DenyChannels:       g.DenyChannels,
		PerUserMinute:      g.PerUserMinute,
		ToolCooldownSec:    g.ToolCooldownSec,
		PerUserDailyTokens: g.PerUserDailyTokens,
	}, nil
}

func (r *Resolver) mutate(ctx context.Context, sc scope.Scope, fn func(*storage.ScopeState) error) error {
	unlock := r.locks.Lock(sc.Key())
	defer unlock()

	state, err := r.store.Load(ctx, sc.Key())
	if err != nil {
		return fmt.Errorf("load state for %s: %w", sc, err)
	}
	if state == nil {
		state = storage.NewScopeState(sc.Key(), time.Now())
	}
	if err := fn(state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	if err := r.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save state for %s: %w", sc, err)
	}
	return nil
}

func policyList(p *storage.PolicyState, list string) (*map[string][]string, error) {
	switch list {
	case ListAllow:
		return &p.Allow, nil
	case ListDeny:
		return &p.Deny, nil
	default:
		return nil, fmt.Errorf("unknown policy list %q", list)
	}
}

func unionLists(a, b map[string][]string) map[string][]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, src := range []map[string][]string{a, b} {
		for provider, models := range src {
			key := strings.ToLower(provider)
			for _, m := range models {
				if !containsFold(out[key], m) {
					out[key] = append(out[key], strings.ToLower(m))
				}
			}
		}
	}
	return out
}

func unionFold(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	var out []string
	for _, src := range [][]string{a, b} {
		for _, v := range src {
			if !containsFold(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func mergeIntMaps(base, override map[string]int) map[string]int {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]int, len(base)+len(override))
	for k, v := range base {
		out[strings.ToLower(k)] = v
	}
	for k, v := range override {
		out[strings.ToLower(k)] = v
	}
	return out
}
