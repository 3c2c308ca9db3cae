package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden-hq/warden/pkg/autosearch"
	"warden-hq/warden/pkg/budget"
	"warden-hq/warden/pkg/policy"
	"warden-hq/warden/pkg/pricing"
	"warden-hq/warden/pkg/ratelimit"
	"warden-hq/warden/pkg/scope"
	"warden-hq/warden/pkg/storage"
)

// perUserDayWindow is the rolling window for per-user daily token
// ceilings.
const perUserDayWindow = 24 * time.Hour

// Gate wires the governance components into a single decision point.
type Gate struct {
	store      storage.Backend
	policies   *policy.Resolver
	budgets    *budget.Accountant
	limits     *ratelimit.Limiter
	pricer     *pricing.Calculator
	metrics    *Metrics
	logger     *slog.Logger
	locks      *storage.KeyedMutex
	searchCfg  autosearch.Settings
	estimate   int
	now        func() time.Time

	// active tracks authorized requests awaiting EndRequest.
	active sync.Map
}

type activeRequest struct {
	action  Action
	started time.Time
}

// Config assembles a Gate. Store is required; components left nil
// are built over the store with defaults. Components should share
// Locks so per-scope serialization holds across them.
type Config struct {
	Store    storage.Backend
	Policies *policy.Resolver
	Budgets  *budget.Accountant
	Limits   *ratelimit.Limiter
	Pricer   *pricing.Calculator
	Metrics  *Metrics
	Logger   *slog.Logger
	Locks    *storage.KeyedMutex

	// Autosearch is the settings applied when classifying queries.
	Autosearch autosearch.Settings

	// EstimateTokens is the pre-flight token ceiling assumed when an
	// action carries no estimate. Default 1024.
	EstimateTokens int

	// NowFunc overrides the clock for tests.
	NowFunc func() time.Time
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
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

	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewResolver(cfg.Store, locks, logger)
	}
	budgets := cfg.Budgets
	if budgets == nil {
		budgets = budget.NewAccountant(cfg.Store, budget.AccountantConfig{Locks: locks, Logger: logger, NowFunc: now})
	}
	limits := cfg.Limits
	if limits == nil {
		limits = ratelimit.NewLimiter(cfg.Store, ratelimit.LimiterConfig{Locks: locks, Logger: logger, NowFunc: now})
	}
	pricer := cfg.Pricer
	if pricer == nil {
		pricer = pricing.NewCalculator(nil, logger)
	}
	searchCfg := cfg.Autosearch
	if searchCfg == (autosearch.Settings{}) {
		searchCfg = autosearch.DefaultSettings()
	}
	estimate := cfg.EstimateTokens
	if estimate <= 0 {
		estimate = 1024
	}

	return &Gate{
		store:     cfg.Store,
		policies:  policies,
		budgets:   budgets,
		limits:    limits,
		pricer:    pricer,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "gate"),
		locks:     locks,
		searchCfg: searchCfg,
		estimate:  estimate,
		now:       now,
	}, nil
}

// Policies returns the resolver, for admin policy mutations.
func (g *Gate) Policies() *policy.Resolver { return g.policies }

// Budgets returns the accountant, for admin overrides and resets.
func (g *Gate) Budgets() *budget.Accountant { return g.budgets }

// Limits returns the limiter, for admin overrides.
func (g *Gate) Limits() *ratelimit.Limiter { return g.limits }

// Authorize runs the governance checks for an action. Checks run
// cheapest first: governance lists, then rate limits, then model
// policy, then the budget projection. The first failing check
// decides; storage failures fail closed.
//
// An allowed decision carries a request ID. The caller must finish
// the request with EndRequest, or drop it with Abandon if the work
// never ran.
func (g *Gate) Authorize(ctx context.Context, a Action) Decision {
	start := g.now()
	decision := g.authorize(ctx, a)
	g.metrics.observeCheckDuration(g.now().Sub(start).Seconds())
	g.metrics.recordDecision(a.Kind, decision)

	if !decision.Allowed {
		g.logger.Info("request denied",
			"scope", a.Scope.Key(),
			"kind", a.Kind,
			"user", a.UserID,
			"reason", decision.Reason,
		)
	}
	return decision
}

func (g *Gate) authorize(ctx context.Context, a Action) Decision {
	if a.UserID == "" || (a.Kind != KindChat && a.Kind != KindTool) {
		return denied(ReasonConfigInconsistent, "this request cannot be processed right now.")
	}
	if a.Kind == KindChat && (a.Provider == "" || a.Model == "") {
		return denied(ReasonConfigInconsistent, "this request cannot be processed right now.")
	}

	rateCfg, err := g.limits.Effective(ctx, a.Scope)
	if err != nil {
		return g.failClosed(err, "resolve rate limits")
	}

	var plan *autosearch.Plan
	switch a.Kind {
	case KindChat:
		if d, ok := g.checkChatLimits(ctx, a, rateCfg); !ok {
			return d
		}
	case KindTool:
		d, p, ok := g.checkTool(ctx, a, rateCfg)
		if !ok {
			return d
		}
		plan = p
	}

	if a.Provider != "" && a.Model != "" {
		allowed, err := g.policies.IsAllowed(ctx, a.Scope, a.Provider, a.Model)
		if err != nil {
			return g.failClosed(err, "resolve model policy")
		}
		if !allowed {
			return denied(ReasonPolicyDenied, "that model is not available here.")
		}
	}

	proj, d, ok := g.checkBudget(ctx, a)
	if !ok {
		return d
	}

	requestID := uuid.NewString()
	g.active.Store(requestID, &activeRequest{action: a, started: g.now()})

	return Decision{
		Allowed:    true,
		RequestID:  requestID,
		Plan:       plan,
		Projection: proj,
	}
}

func (g *Gate) checkChatLimits(ctx context.Context, a Action, cfg ratelimit.Config) (Decision, bool) {
	res, err := g.limits.Cooldown(ctx, a.Scope, ratelimit.ChatCooldownKey(a.UserID), cfg.Cooldown(), a.Bypass)
	if err != nil {
		return g.failClosed(err, "check cooldown"), false
	}
	if !res.Allowed {
		return rateDenied(res, "you're sending messages too quickly."), false
	}

	res, err = g.limits.Check(ctx, a.Scope, ratelimit.ChatUserKey(a.UserID), cfg.PerUserPerMin, ratelimit.Window, a.Bypass)
	if err != nil {
		return g.failClosed(err, "check per-user limit"), false
	}
	if !res.Allowed {
		return rateDenied(res, "you've hit the per-minute message limit."), false
	}

	if a.ChannelID != "" {
		res, err = g.limits.Check(ctx, a.Scope, ratelimit.ChatChannelKey(a.ChannelID), cfg.PerChannelPerMin, ratelimit.Window, a.Bypass)
		if err != nil {
			return g.failClosed(err, "check per-channel limit"), false
		}
		if !res.Allowed {
			return rateDenied(res, "this channel is handling too many requests right now."), false
		}
	}
	return Decision{}, true
}

func (g *Gate) checkTool(ctx context.Context, a Action, cfg ratelimit.Config) (Decision, *autosearch.Plan, bool) {
	if a.Tool == "" {
		return denied(ReasonConfigInconsistent, "this request cannot be processed right now."), nil, false
	}

	gov, err := g.policies.Governance(ctx, a.Scope)
	if err != nil {
		return g.failClosed(err, "resolve governance"), nil, false
	}
	if !gov.PermitsChannel(a.ChannelID) {
		return denied(ReasonGovernanceDenied, "tools are not enabled in this channel."), nil, false
	}
	if !gov.PermitsTool(a.Tool) {
		return denied(ReasonGovernanceDenied, "that tool is not enabled here."), nil, false
	}

	if d, ok := g.checkDailyTokens(ctx, a, gov); !ok {
		return d, nil, false
	}

	if cd := gov.ToolCooldown(a.Tool); cd > 0 {
		res, err := g.limits.Cooldown(ctx, a.Scope, ratelimit.ToolCooldownKey(a.Tool, a.UserID), cd, a.Bypass)
		if err != nil {
			return g.failClosed(err, "check tool cooldown"), nil, false
		}
		if !res.Allowed {
			return rateDenied(res, "that tool is cooling down."), nil, false
		}
	}

	// A per-tool override replaces the scope-wide per-user limit for
	// that tool.
	if override := gov.PerUserMinuteFor(a.Tool); override > 0 {
		res, err := g.limits.Check(ctx, a.Scope, ratelimit.ToolPerToolUserKey(a.Tool, a.UserID), override, ratelimit.Window, a.Bypass)
		if err != nil {
			return g.failClosed(err, "check per-tool limit"), nil, false
		}
		if !res.Allowed {
			return rateDenied(res, "you've hit the per-minute limit for that tool."), nil, false
		}
	} else {
		res, err := g.limits.Check(ctx, a.Scope, ratelimit.ToolUserKey(a.UserID), cfg.ToolsPerUserPerMin, ratelimit.Window, a.Bypass)
		if err != nil {
			return g.failClosed(err, "check tool per-user limit"), nil, false
		}
		if !res.Allowed {
			return rateDenied(res, "you've hit the per-minute tool limit."), nil, false
		}
	}

	res, err := g.limits.Check(ctx, a.Scope, ratelimit.ToolGuildKey(), cfg.ToolsPerGuildPerMin, ratelimit.Window, a.Bypass)
	if err != nil {
		return g.failClosed(err, "check tool per-guild limit"), nil, false
	}
	if !res.Allowed {
		return rateDenied(res, "this server is running too many tools right now."), nil, false
	}

	var plan *autosearch.Plan
	if a.Query != "" {
		p := autosearch.Classify(a.Query, g.searchCfg)
		plan = &p
		g.metrics.recordClassification(string(p.Mode))
		g.bumpClassified(ctx, a.Scope)
	}
	return Decision{}, plan, true
}

func (g *Gate) checkDailyTokens(ctx context.Context, a Action, gov policy.ToolGovernance) (Decision, bool) {
	if gov.PerUserDailyTokens <= 0 {
		return Decision{}, true
	}

	state, err := g.store.Load(ctx, a.Scope.Key())
	if err != nil {
		return g.failClosed(err, "load activity"), false
	}
	if state == nil || state.Activity == nil {
		return Decision{}, true
	}
	stats := state.Activity.PerUser[a.UserID]
	if stats == nil {
		return Decision{}, true
	}
	if g.now().Sub(stats.DayStart) >= perUserDayWindow {
		return Decision{}, true
	}
	if stats.DayTokens >= gov.PerUserDailyTokens {
		return denied(ReasonGovernanceDenied, "you've reached your daily usage allowance."), false
	}
	return Decision{}, true
}

func (g *Gate) checkBudget(ctx context.Context, a Action) (*budget.Projection, Decision, bool) {
	cfg, err := g.budgets.Effective(ctx, a.Scope)
	if err != nil {
		if errors.Is(err, budget.ErrConfigInconsistent) {
			g.logger.Error("budget configuration inconsistent, failing closed",
				"scope", a.Scope.Key(), "error", err)
			return nil, denied(ReasonConfigInconsistent, "usage budgets are misconfigured, ask an admin to review them."), false
		}
		return nil, g.failClosed(err, "resolve budget"), false
	}

	proj, err := g.budgets.WouldExceed(ctx, a.Scope, g.estimateDelta(cfg, a))
	if err != nil {
		return nil, g.failClosed(err, "project budget"), false
	}
	if !proj.Allowed {
		return &proj, denied(ReasonBudgetExceeded, "the daily usage budget for this server has been reached."), false
	}
	return &proj, Decision{}, true
}

// estimateDelta converts the action's token ceiling into the
// budget's unit for the pre-flight projection.
func (g *Gate) estimateDelta(cfg budget.Config, a Action) float64 {
	est := a.EstimatedTokens
	if est <= 0 {
		est = g.estimate
	}
	switch cfg.Unit {
	case budget.UnitUSD:
		price, ok := g.pricer.Price(a.Provider, a.Model)
		if !ok {
			return 0
		}
		half := est / 2
		return float64(half)/1000.0*price.PromptPer1K + float64(est-half)/1000.0*price.CompletionPer1K
	default:
		return float64(est)
	}
}

// EndRequest settles an authorized request: it prices the real
// usage, records it against the budget, and updates activity
// telemetry. The rate-limit slots consumed at authorization time are
// never refunded.
func (g *Gate) EndRequest(ctx context.Context, requestID string, u Usage) (Outcome, error) {
	value, ok := g.active.LoadAndDelete(requestID)
	if !ok {
		return Outcome{}, fmt.Errorf("unknown request id %q", requestID)
	}
	req := value.(*activeRequest)
	a := req.action

	provider, model := a.Provider, a.Model
	if u.Provider != "" {
		provider = u.Provider
	}
	if u.Model != "" {
		model = u.Model
	}

	cost := 0.0
	if provider != "" && model != "" && u.TotalTokens() > 0 {
		cost = g.pricer.Cost(provider, model, u.PromptTokens, u.CompletionTokens)
	}

	cfg, err := g.budgets.Effective(ctx, a.Scope)
	if err != nil {
		return Outcome{}, err
	}
	delta := float64(u.TotalTokens())
	if cfg.Unit == budget.UnitUSD {
		delta = cost
	}

	receipt, err := g.budgets.Record(ctx, a.Scope, delta)
	if err != nil {
		return Outcome{}, err
	}

	if err := g.updateActivity(ctx, a, u, cost); err != nil {
		// Telemetry must not fail the settlement.
		g.logger.Warn("failed to update activity telemetry",
			"scope", a.Scope.Key(), "error", err)
	}

	g.metrics.recordUsage(a.Scope.Key(), u.TotalTokens(), cost)
	return Outcome{Receipt: receipt, CostUSD: cost}, nil
}

// Abandon discards an authorized request whose work never ran,
// typically because the upstream call was cancelled. Nothing is
// recorded and nothing is refunded.
func (g *Gate) Abandon(requestID string) {
	g.active.Delete(requestID)
}

// RecordAutosearch counts an executed autosearch plan.
func (g *Gate) RecordAutosearch(ctx context.Context, sc scope.Scope, mode autosearch.Mode) error {
	return g.mutateActivity(ctx, sc, func(act *storage.ActivityState) {
		if act.Autosearch.Executed == nil {
			act.Autosearch.Executed = make(map[string]int64)
		}
		act.Autosearch.Executed[string(mode)]++
	})
}

// Snapshot assembles the governance status of a scope.
func (g *Gate) Snapshot(ctx context.Context, sc scope.Scope) (Status, error) {
	budgetCfg, err := g.budgets.Effective(ctx, sc)
	if err != nil && !errors.Is(err, budget.ErrConfigInconsistent) {
		return Status{}, err
	}
	var counter budget.Counter
	if err == nil {
		counter, err = g.budgets.Consumption(ctx, sc)
		if err != nil {
			return Status{}, err
		}
	}

	rateCfg, err := g.limits.Effective(ctx, sc)
	if err != nil {
		return Status{}, err
	}
	windows, err := g.limits.Windows(ctx, sc)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Scope:      sc.Key(),
		Budget:     budgetCfg,
		Counter:    counter,
		RateConfig: rateCfg,
		Windows:    windows,
	}

	state, err := g.store.Load(ctx, sc.Key())
	if err != nil {
		return Status{}, err
	}
	if state != nil && state.Activity != nil {
		act := state.Activity
		status.Activity = ActivitySummary{
			ChatCount:   act.ChatCount,
			TotalTokens: act.TotalTokens,
			CostUSD:     act.CostUSD,
			LastUsed:    act.LastUsed,
		}
		for _, t := range act.Tools {
			status.Activity.ToolRuns += t.Count
		}
	}
	return status, nil
}

func (g *Gate) updateActivity(ctx context.Context, a Action, u Usage, cost float64) error {
	now := g.now()
	return g.mutateActivity(ctx, a.Scope, func(act *storage.ActivityState) {
		act.LastUsed = now
		act.PromptTokens += int64(u.PromptTokens)
		act.CompletionTokens += int64(u.CompletionTokens)
		act.TotalTokens += int64(u.TotalTokens())
		act.CostUSD += cost

		if a.Kind == KindChat {
			act.ChatCount++
		}

		if a.UserID != "" {
			if act.PerUser == nil {
				act.PerUser = make(map[string]*storage.SubjectStats)
			}
			bumpSubject(act.PerUser, a.UserID, u, now)
		}
		if a.ChannelID != "" {
			if act.PerChannel == nil {
				act.PerChannel = make(map[string]*storage.SubjectStats)
			}
			bumpSubject(act.PerChannel, a.ChannelID, u, now)
		}

		if a.Kind == KindTool && a.Tool != "" {
			if act.Tools == nil {
				act.Tools = make(map[string]*storage.ToolStats)
			}
			t := act.Tools[a.Tool]
			if t == nil {
				t = &storage.ToolStats{}
				act.Tools[a.Tool] = t
			}
			t.Count++
			if u.Success {
				t.Successes++
			} else {
				t.Errors++
			}
			if u.Latency > 0 {
				ms := u.Latency.Milliseconds()
				t.LatencyTotalMS += ms
				t.LatencySamples++
				t.LatencyLastMS = ms
			}
			t.LastUsed = now
		}
	})
}

func bumpSubject(stats map[string]*storage.SubjectStats, key string, u Usage, now time.Time) {
	s := stats[key]
	if s == nil {
		s = &storage.SubjectStats{}
		stats[key] = s
	}
	s.Requests++
	s.TotalTokens += int64(u.TotalTokens())
	if now.Sub(s.DayStart) >= perUserDayWindow {
		s.DayStart = now
		s.DayTokens = 0
	}
	s.DayTokens += int64(u.TotalTokens())
	s.LastUsed = now
}

func (g *Gate) bumpClassified(ctx context.Context, sc scope.Scope) {
	if err := g.mutateActivity(ctx, sc, func(act *storage.ActivityState) {
		act.Autosearch.Classified++
	}); err != nil {
		g.logger.Debug("failed to count classification", "scope", sc.Key(), "error", err)
	}
}

func (g *Gate) mutateActivity(ctx context.Context, sc scope.Scope, fn func(*storage.ActivityState)) error {
	unlock := g.locks.Lock(sc.Key())
	defer unlock()

	state, err := g.store.Load(ctx, sc.Key())
	if err != nil {
		return err
	}
	if state == nil {
		state = storage.NewScopeState(sc.Key(), g.now())
	}
	if state.Activity == nil {
		state.Activity = &storage.ActivityState{}
	}
	fn(state.Activity)
	state.UpdatedAt = g.now()
	return g.store.Save(ctx, state)
}

// failClosed maps an internal error onto a deny-by-default decision.
func (g *Gate) failClosed(err error, operation string) Decision {
	g.logger.Error("governance check failed, denying request",
		"operation", operation, "error", err)
	return denied(ReasonStoreUnavailable, "governance checks are temporarily unavailable, try again shortly.")
}

func rateDenied(res ratelimit.Result, message string) Decision {
	d := denied(ReasonRateLimited, message)
	d.RetryAfter = res.RetryAfter
	return d
}
