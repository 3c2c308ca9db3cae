// Package storage persists per-scope governance state: model policy,
// tool governance, budget overrides, consumption counters, rate-limit
// windows, and activity telemetry. Backends serialize the state as a
// single document per scope so a load-modify-save cycle under a
// per-scope lock stays atomic.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures so callers can fail closed
// without inspecting driver-specific errors.
var ErrUnavailable = errors.New("storage backend unavailable")

// Backend is the persistence interface for scope state.
type Backend interface {
	// Save persists the state for state.Scope, overwriting any
	// previous document.
	Save(ctx context.Context, state *ScopeState) error

	// Load returns the state for the given scope key, or (nil, nil)
	// when no state has been saved yet.
	Load(ctx context.Context, scopeKey string) (*ScopeState, error)

	// Delete removes all state for the given scope key.
	Delete(ctx context.Context, scopeKey string) error

	// List returns all persisted scope states.
	List(ctx context.Context) ([]*ScopeState, error)

	// Cleanup removes scope states not updated since the cutoff and
	// returns the number removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// ScopeState is the full persisted document for one scope. Nil
// sections mean "nothing configured here, inherit from the parent
// scope or built-in defaults".
type ScopeState struct {
	Scope      string               `json:"scope"`
	Policy     *PolicyState         `json:"policy,omitempty"`
	Governance *GovernanceState     `json:"governance,omitempty"`
	Budget     *BudgetOverrides     `json:"budget,omitempty"`
	Usage      *UsageState          `json:"usage,omitempty"`
	RateLimits *RateLimitOverrides  `json:"rate_limits,omitempty"`
	Windows    map[string]Window    `json:"windows,omitempty"`
	Activity   *ActivityState       `json:"activity,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// PolicyState holds per-scope model allow/deny lists keyed by
// provider name.
type PolicyState struct {
	Allow map[string][]string `json:"allow,omitempty"`
	Deny  map[string][]string `json:"deny,omitempty"`
}

// GovernanceState holds per-scope tool governance configuration.
type GovernanceState struct {
	AllowTools    []string `json:"allow_tools,omitempty"`
	DenyTools     []string `json:"deny_tools,omitempty"`
	AllowChannels []string `json:"allow_channels,omitempty"`
	DenyChannels  []string `json:"deny_channels,omitempty"`

	// PerUserMinute maps a tool name to a per-user per-minute limit
	// overriding the scope-wide tool rate default.
	PerUserMinute map[string]int `json:"per_user_minute,omitempty"`

	// ToolCooldownSec maps a tool name to a per-user cooldown in
	// seconds.
	ToolCooldownSec map[string]int `json:"tool_cooldown_sec,omitempty"`

	// PerUserDailyTokens caps tokens any single user may consume per
	// rolling day. Zero means no cap.
	PerUserDailyTokens int64 `json:"per_user_daily_tokens,omitempty"`
}

// BudgetOverrides holds per-scope budget settings. Nil pointers
// inherit from the parent scope.
type BudgetOverrides struct {
	Unit           *string  `json:"unit,omitempty"`
	DailyCap       *float64 `json:"daily_cap,omitempty"`
	Warn1Ratio     *float64 `json:"warn1_ratio,omitempty"`
	Warn2Ratio     *float64 `json:"warn2_ratio,omitempty"`
	ResetHourUTC   *int     `json:"reset_hour_utc,omitempty"`
	AdminChannelID *string  `json:"admin_channel_id,omitempty"`
	DMAdmins       *bool    `json:"dm_admins,omitempty"`
}

// UsageState is the budget consumption counter for one scope.
type UsageState struct {
	Unit          string    `json:"unit"`
	ConsumedToday float64   `json:"consumed_today"`
	WindowStart   time.Time `json:"window_start"`
	LastWarnLevel string    `json:"last_warn_level,omitempty"`
}

// RateLimitOverrides holds per-scope rate-limit settings. Nil
// pointers inherit the configured defaults.
type RateLimitOverrides struct {
	CooldownSec         *int `json:"cooldown_sec,omitempty"`
	PerUserPerMin       *int `json:"per_user_per_min,omitempty"`
	PerChannelPerMin    *int `json:"per_channel_per_min,omitempty"`
	ToolsPerUserPerMin  *int `json:"tools_per_user_per_min,omitempty"`
	ToolsPerGuildPerMin *int `json:"tools_per_guild_per_min,omitempty"`
}

// Window is one fixed rate-limit window keyed by dimension within a
// scope state.
type Window struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`

	// Duration is the window length. Cooldown windows differ from
	// the fixed per-minute windows, so it is stored per key.
	Duration time.Duration `json:"duration,omitempty"`
}

// ActivityState aggregates usage telemetry for one scope.
type ActivityState struct {
	ChatCount        int64                    `json:"chat_count"`
	LastUsed         time.Time                `json:"last_used"`
	PromptTokens     int64                    `json:"prompt_tokens"`
	CompletionTokens int64                    `json:"completion_tokens"`
	TotalTokens      int64                    `json:"total_tokens"`
	CostUSD          float64                  `json:"cost_usd"`
	PerUser          map[string]*SubjectStats `json:"per_user,omitempty"`
	PerChannel       map[string]*SubjectStats `json:"per_channel,omitempty"`
	Tools            map[string]*ToolStats    `json:"tools,omitempty"`
	Autosearch       AutosearchStats          `json:"autosearch,omitempty"`
}

// SubjectStats tracks totals for one user or channel, plus a rolling
// daily token counter used for per-user ceilings.
type SubjectStats struct {
	Requests      int64     `json:"requests"`
	TotalTokens   int64     `json:"total_tokens"`
	DayTokens     int64     `json:"day_tokens"`
	DayStart      time.Time `json:"day_start"`
	LastUsed      time.Time `json:"last_used"`
}

// ToolStats tracks execution counts and latency for one tool.
type ToolStats struct {
	Count          int64     `json:"count"`
	Successes      int64     `json:"successes"`
	Errors         int64     `json:"errors"`
	LatencyTotalMS int64     `json:"latency_total_ms"`
	LatencySamples int64     `json:"latency_samples"`
	LatencyLastMS  int64     `json:"latency_last_ms"`
	LastUsed       time.Time `json:"last_used"`
}

// AutosearchStats counts classifier decisions per mode.
type AutosearchStats struct {
	Classified int64            `json:"classified"`
	Executed   map[string]int64 `json:"executed,omitempty"`
}

// NewScopeState returns an empty state document for the given scope
// key.
func NewScopeState(scopeKey string, now time.Time) *ScopeState {
	return &ScopeState{
		Scope:     scopeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
