package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"warden-hq/warden/pkg/autosearch"
	"warden-hq/warden/pkg/budget"
	"warden-hq/warden/pkg/policy"
	"warden-hq/warden/pkg/pricing"
	"warden-hq/warden/pkg/ratelimit"
	"warden-hq/warden/pkg/scope"
	"warden-hq/warden/pkg/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type gateEnv struct {
	gate     *Gate
	clock    *fakeClock
	store    storage.Backend
	policies *policy.Resolver
	budgets  *budget.Accountant
}

func newTestGate(t *testing.T, budgetDefaults budget.Config, rateDefaults ratelimit.Config) *gateEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryBackend(storage.MemoryConfig{})
	locks := storage.NewKeyedMutex()

	policies := policy.NewResolver(store, locks, nil)
	budgets := budget.NewAccountant(store, budget.AccountantConfig{
		Defaults: budgetDefaults,
		Locks:    locks,
		NowFunc:  clock.Now,
	})
	limits := ratelimit.NewLimiter(store, ratelimit.LimiterConfig{
		Defaults: rateDefaults,
		Locks:    locks,
		NowFunc:  clock.Now,
	})
	pricer := pricing.NewCalculator(pricing.Table{
		"openai": {"gpt-4o": {PromptPer1K: 0.0025, CompletionPer1K: 0.01}},
	}, nil)

	g, err := New(Config{
		Store:    store,
		Policies: policies,
		Budgets:  budgets,
		Limits:   limits,
		Pricer:   pricer,
		Locks:    locks,
		NowFunc:  clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &gateEnv{gate: g, clock: clock, store: store, policies: policies, budgets: budgets}
}

func tokenBudget(cap float64) budget.Config {
	cfg := budget.DefaultConfig()
	cfg.DailyCap = cap
	return cfg
}

func chatAction(user string) Action {
	return Action{
		Scope:     scope.Guild("1"),
		Kind:      KindChat,
		UserID:    user,
		ChannelID: "chan",
		Provider:  "openai",
		Model:     "gpt-4o",
	}
}

// failingBackend simulates a storage outage.
type failingBackend struct{}

func (failingBackend) Save(context.Context, *storage.ScopeState) error {
	return storage.ErrUnavailable
}
func (failingBackend) Load(context.Context, string) (*storage.ScopeState, error) {
	return nil, storage.ErrUnavailable
}
func (failingBackend) Delete(context.Context, string) error { return storage.ErrUnavailable }
func (failingBackend) List(context.Context) ([]*storage.ScopeState, error) {
	return nil, storage.ErrUnavailable
}
func (failingBackend) Cleanup(context.Context, time.Time) (int, error) {
	return 0, storage.ErrUnavailable
}
func (failingBackend) Close() error { return nil }

// ============================================================================
// Chat Authorization
// ============================================================================

func TestChatAllowedUnderBudget(t *testing.T) {
	env := newTestGate(t, tokenBudget(10000), ratelimit.DefaultConfig())
	ctx := context.Background()

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if !d.Allowed {
		t.Fatalf("expected allow, got %s: %s", d.Reason, d.Message)
	}
	if d.RequestID == "" {
		t.Error("allowed decision must carry a request id")
	}
	if d.Projection == nil || !d.Projection.Allowed {
		t.Errorf("decision should carry the budget projection: %+v", d.Projection)
	}

	outcome, err := env.gate.EndRequest(ctx, d.RequestID, Usage{
		PromptTokens:     300,
		CompletionTokens: 200,
		Success:          true,
	})
	if err != nil {
		t.Fatalf("EndRequest failed: %v", err)
	}
	if outcome.Receipt.Counter.ConsumedToday != 500 {
		t.Errorf("ConsumedToday = %v, want 500", outcome.Receipt.Counter.ConsumedToday)
	}
}

func TestChatDeniedOverBudget(t *testing.T) {
	env := newTestGate(t, tokenBudget(5000), ratelimit.DefaultConfig())
	ctx := context.Background()

	if _, err := env.budgets.Record(ctx, scope.Guild("1"), 5000); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if d.Allowed || d.Reason != ReasonBudgetExceeded {
		t.Errorf("expected budget_exceeded, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
	if d.Message == "" {
		t.Error("denial must carry a user-safe message")
	}
}

func TestChatCooldown(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()

	first := env.gate.Authorize(ctx, chatAction("u1"))
	if !first.Allowed {
		t.Fatalf("first request should pass: %s", first.Reason)
	}

	second := env.gate.Authorize(ctx, chatAction("u1"))
	if second.Allowed || second.Reason != ReasonRateLimited {
		t.Fatalf("second request inside cooldown should be rate limited, got %+v", second)
	}
	if second.RetryAfter <= 0 {
		t.Error("rate-limited denial should carry RetryAfter")
	}

	env.clock.Advance(11 * time.Second)
	third := env.gate.Authorize(ctx, chatAction("u1"))
	if !third.Allowed {
		t.Errorf("request after cooldown should pass: %s", third.Reason)
	}
}

func TestRateLimitCheckedBeforePolicy(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()

	if err := env.policies.AddModel(ctx, scope.Guild("1"), policy.ListDeny, "openai", "gpt-4o"); err != nil {
		t.Fatalf("AddModel failed: %v", err)
	}

	// First request trips the policy check.
	d := env.gate.Authorize(ctx, chatAction("u1"))
	if d.Reason != ReasonPolicyDenied {
		t.Fatalf("expected policy_denied, got %s", d.Reason)
	}

	// The denied request still consumed its cooldown slot, so the
	// next attempt is reported as rate limited, not policy denied.
	d = env.gate.Authorize(ctx, chatAction("u1"))
	if d.Reason != ReasonRateLimited {
		t.Errorf("rate limits run before policy: got %s", d.Reason)
	}
}

func TestPolicyDenied(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()

	if err := env.policies.AddModel(ctx, scope.Global(), policy.ListDeny, "openai", "gpt-4o"); err != nil {
		t.Fatalf("AddModel failed: %v", err)
	}

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if d.Allowed || d.Reason != ReasonPolicyDenied {
		t.Errorf("expected policy_denied, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
	if strings.Contains(d.Message, "openai") || strings.Contains(d.Message, "gpt") {
		t.Errorf("message must not leak provider or model: %q", d.Message)
	}
}

func TestBypassSkipsRateLimitsNotBudget(t *testing.T) {
	env := newTestGate(t, tokenBudget(50000), ratelimit.DefaultConfig())
	ctx := context.Background()

	owner := chatAction("owner")
	owner.Bypass = true

	for i := 0; i < 5; i++ {
		if d := env.gate.Authorize(ctx, owner); !d.Allowed {
			t.Fatalf("bypassed request %d denied: %s", i, d.Reason)
		}
	}

	// The budget still binds a bypassed caller.
	if _, err := env.budgets.Record(ctx, scope.Guild("1"), 50000); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	d := env.gate.Authorize(ctx, owner)
	if d.Allowed || d.Reason != ReasonBudgetExceeded {
		t.Errorf("bypass must not skip the budget: allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestStoreFailureFailsClosed(t *testing.T) {
	g, err := New(Config{Store: failingBackend{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	d := g.Authorize(context.Background(), chatAction("u1"))
	if d.Allowed || d.Reason != ReasonStoreUnavailable {
		t.Errorf("store outage must deny: allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestInconsistentBudgetFailsClosed(t *testing.T) {
	bad := budget.DefaultConfig()
	bad.DailyCap = -1
	env := newTestGate(t, bad, ratelimit.DefaultConfig())

	d := env.gate.Authorize(context.Background(), chatAction("u1"))
	if d.Allowed || d.Reason != ReasonConfigInconsistent {
		t.Errorf("inconsistent budget must deny: allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestMalformedAction(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())

	tests := []struct {
		name   string
		action Action
	}{
		{"missing user", Action{Scope: scope.Guild("1"), Kind: KindChat, Provider: "openai", Model: "gpt-4o"}},
		{"missing model", Action{Scope: scope.Guild("1"), Kind: KindChat, UserID: "u1", Provider: "openai"}},
		{"missing kind", Action{Scope: scope.Guild("1"), UserID: "u1"}},
		{"tool without name", Action{Scope: scope.Guild("1"), Kind: KindTool, UserID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := env.gate.Authorize(context.Background(), tt.action); d.Allowed {
				t.Error("malformed action must be denied")
			}
		})
	}
}

// ============================================================================
// Tool Authorization
// ============================================================================

func toolAction(user, tool string) Action {
	return Action{
		Scope:     scope.Guild("1"),
		Kind:      KindTool,
		UserID:    user,
		ChannelID: "chan",
		Tool:      tool,
	}
}

func TestToolGovernanceDenied(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()
	g := scope.Guild("1")

	err := env.policies.MutateGovernance(ctx, g, func(gs *storage.GovernanceState) {
		gs.DenyTools = []string{"crawl"}
		gs.DenyChannels = []string{"blocked"}
	})
	if err != nil {
		t.Fatalf("MutateGovernance failed: %v", err)
	}

	d := env.gate.Authorize(ctx, toolAction("u1", "crawl"))
	if d.Allowed || d.Reason != ReasonGovernanceDenied {
		t.Errorf("denied tool should be governance_denied, got %+v", d)
	}

	blocked := toolAction("u1", "websearch")
	blocked.ChannelID = "blocked"
	d = env.gate.Authorize(ctx, blocked)
	if d.Allowed || d.Reason != ReasonGovernanceDenied {
		t.Errorf("blocked channel should be governance_denied, got %+v", d)
	}
}

func TestToolRateLimits(t *testing.T) {
	rates := ratelimit.DefaultConfig()
	rates.ToolsPerUserPerMin = 2
	env := newTestGate(t, tokenBudget(0), rates)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := env.gate.Authorize(ctx, toolAction("u1", "websearch")); !d.Allowed {
			t.Fatalf("tool request %d denied: %s", i, d.Reason)
		}
	}
	d := env.gate.Authorize(ctx, toolAction("u1", "websearch"))
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Errorf("third tool request should be rate limited, got %+v", d)
	}
}

func TestPerToolOverrideReplacesDefault(t *testing.T) {
	rates := ratelimit.DefaultConfig()
	rates.ToolsPerUserPerMin = 10
	env := newTestGate(t, tokenBudget(0), rates)
	ctx := context.Background()
	g := scope.Guild("1")

	err := env.policies.MutateGovernance(ctx, g, func(gs *storage.GovernanceState) {
		gs.PerUserMinute = map[string]int{"deep_research": 1}
	})
	if err != nil {
		t.Fatalf("MutateGovernance failed: %v", err)
	}

	if d := env.gate.Authorize(ctx, toolAction("u1", "deep_research")); !d.Allowed {
		t.Fatalf("first deep_research denied: %s", d.Reason)
	}
	d := env.gate.Authorize(ctx, toolAction("u1", "deep_research"))
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Errorf("override of 1/min should limit the second run, got %+v", d)
	}

	// Other tools keep the scope-wide default.
	if d := env.gate.Authorize(ctx, toolAction("u1", "websearch")); !d.Allowed {
		t.Errorf("other tools should not be affected: %s", d.Reason)
	}
}

func TestToolCooldown(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()
	g := scope.Guild("1")

	err := env.policies.MutateGovernance(ctx, g, func(gs *storage.GovernanceState) {
		gs.ToolCooldownSec = map[string]int{"crawl": 30}
	})
	if err != nil {
		t.Fatalf("MutateGovernance failed: %v", err)
	}

	if d := env.gate.Authorize(ctx, toolAction("u1", "crawl")); !d.Allowed {
		t.Fatalf("first crawl denied: %s", d.Reason)
	}
	d := env.gate.Authorize(ctx, toolAction("u1", "crawl"))
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Errorf("crawl inside cooldown should be rate limited, got %+v", d)
	}

	env.clock.Advance(31 * time.Second)
	if d := env.gate.Authorize(ctx, toolAction("u1", "crawl")); !d.Allowed {
		t.Errorf("crawl after cooldown denied: %s", d.Reason)
	}
}

func TestQueryClassificationAttached(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()

	a := toolAction("u1", "websearch")
	a.Query = "scrape https://example.com/page"

	d := env.gate.Authorize(ctx, a)
	if !d.Allowed {
		t.Fatalf("tool request denied: %s", d.Reason)
	}
	if d.Plan == nil || d.Plan.Mode != autosearch.ModeScrape {
		t.Fatalf("expected scrape plan, got %+v", d.Plan)
	}
	if d.Plan.Caps.MaxDepth > autosearch.MaxDepthCeiling || d.Plan.Caps.MaxResults > autosearch.MaxResultsCeiling {
		t.Errorf("plan caps exceed ceilings: %+v", d.Plan.Caps)
	}
}

func TestDailyTokenCeiling(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()
	g := scope.Guild("1")

	err := env.policies.MutateGovernance(ctx, g, func(gs *storage.GovernanceState) {
		gs.PerUserDailyTokens = 1000
	})
	if err != nil {
		t.Fatalf("MutateGovernance failed: %v", err)
	}

	d := env.gate.Authorize(ctx, toolAction("u1", "websearch"))
	if !d.Allowed {
		t.Fatalf("first tool request denied: %s", d.Reason)
	}
	if _, err := env.gate.EndRequest(ctx, d.RequestID, Usage{PromptTokens: 600, CompletionTokens: 500, Success: true}); err != nil {
		t.Fatalf("EndRequest failed: %v", err)
	}

	env.clock.Advance(time.Minute + time.Second)
	d = env.gate.Authorize(ctx, toolAction("u1", "websearch"))
	if d.Allowed || d.Reason != ReasonGovernanceDenied {
		t.Errorf("user past the daily token ceiling should be denied, got %+v", d)
	}

	// A different user is unaffected.
	if d := env.gate.Authorize(ctx, toolAction("u2", "websearch")); !d.Allowed {
		t.Errorf("other users should not share the ceiling: %s", d.Reason)
	}
}

// ============================================================================
// Settlement
// ============================================================================

func TestEndRequestUnknownID(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())

	if _, err := env.gate.EndRequest(context.Background(), "nope", Usage{}); err == nil {
		t.Error("unknown request id should fail")
	}
}

func TestAbandonRecordsNothing(t *testing.T) {
	// The cap must clear the default pre-flight estimate of 1024 or
	// authorization denies before the abandon path runs.
	env := newTestGate(t, tokenBudget(5000), ratelimit.DefaultConfig())
	ctx := context.Background()

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if !d.Allowed {
		t.Fatalf("request denied: %s", d.Reason)
	}
	env.gate.Abandon(d.RequestID)

	counter, err := env.budgets.Consumption(ctx, scope.Guild("1"))
	if err != nil {
		t.Fatalf("Consumption failed: %v", err)
	}
	if counter.ConsumedToday != 0 {
		t.Errorf("abandoned request must not consume budget: %v", counter.ConsumedToday)
	}
	if _, err := env.gate.EndRequest(ctx, d.RequestID, Usage{}); err == nil {
		t.Error("EndRequest after Abandon should fail")
	}
}

func TestUSDBudgetSettlement(t *testing.T) {
	usd := budget.Config{
		Unit:         budget.UnitUSD,
		DailyCap:     1.0,
		Warn1Ratio:   0.7,
		Warn2Ratio:   0.9,
		ResetHourUTC: 0,
	}
	env := newTestGate(t, usd, ratelimit.DefaultConfig())
	ctx := context.Background()

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if !d.Allowed {
		t.Fatalf("request denied: %s", d.Reason)
	}

	// 1000 prompt + 1000 completion at 0.0025/0.01 per 1K.
	outcome, err := env.gate.EndRequest(ctx, d.RequestID, Usage{
		PromptTokens:     1000,
		CompletionTokens: 1000,
		Success:          true,
	})
	if err != nil {
		t.Fatalf("EndRequest failed: %v", err)
	}
	if outcome.CostUSD < 0.0124 || outcome.CostUSD > 0.0126 {
		t.Errorf("CostUSD = %v, want 0.0125", outcome.CostUSD)
	}
	if outcome.Receipt.Counter.Unit != budget.UnitUSD {
		t.Errorf("budget counted in %s, want usd", outcome.Receipt.Counter.Unit)
	}
	if outcome.Receipt.Counter.ConsumedToday != outcome.CostUSD {
		t.Errorf("counter %v != cost %v", outcome.Receipt.Counter.ConsumedToday, outcome.CostUSD)
	}
}

func TestSnapshotAndActivity(t *testing.T) {
	env := newTestGate(t, tokenBudget(10000), ratelimit.DefaultConfig())
	ctx := context.Background()
	g := scope.Guild("1")

	d := env.gate.Authorize(ctx, chatAction("u1"))
	if !d.Allowed {
		t.Fatalf("request denied: %s", d.Reason)
	}
	if _, err := env.gate.EndRequest(ctx, d.RequestID, Usage{PromptTokens: 100, CompletionTokens: 50, Success: true}); err != nil {
		t.Fatalf("EndRequest failed: %v", err)
	}

	status, err := env.gate.Snapshot(ctx, g)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if status.Counter.ConsumedToday != 150 {
		t.Errorf("snapshot ConsumedToday = %v, want 150", status.Counter.ConsumedToday)
	}
	if status.Activity.ChatCount != 1 || status.Activity.TotalTokens != 150 {
		t.Errorf("activity not recorded: %+v", status.Activity)
	}
	if len(status.Windows) == 0 {
		t.Error("snapshot should show the active rate windows")
	}
}

func TestRecordAutosearch(t *testing.T) {
	env := newTestGate(t, tokenBudget(0), ratelimit.DefaultConfig())
	ctx := context.Background()
	g := scope.Guild("1")

	if err := env.gate.RecordAutosearch(ctx, g, autosearch.ModeSearch); err != nil {
		t.Fatalf("RecordAutosearch failed: %v", err)
	}
	if err := env.gate.RecordAutosearch(ctx, g, autosearch.ModeSearch); err != nil {
		t.Fatalf("RecordAutosearch failed: %v", err)
	}

	state, err := env.store.Load(ctx, g.Key())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Activity.Autosearch.Executed["search"] != 2 {
		t.Errorf("Executed[search] = %d, want 2", state.Activity.Autosearch.Executed["search"])
	}
}

func TestMetricsRegistration(t *testing.T) {
	// Metrics register cleanly on a private registry and record
	// without panicking.
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.recordDecision(KindChat, Decision{Allowed: true})
	m.recordDecision(KindTool, denied(ReasonRateLimited, "x"))
	m.recordUsage("guild:1", 100, 0.5)
	m.recordClassification("search")
	m.observeCheckDuration(0.002)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) < 5 {
		t.Errorf("expected at least 5 metric families, got %d", len(families))
	}
}
