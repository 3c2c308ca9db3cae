// Package gate is the decision point in front of every model call
// and tool execution. It runs the governance checks in a fixed
// order, cheapest first, and returns a structured decision instead
// of an error: callers branch on the decision, render the user-safe
// message, and report usage back when the work finishes.
package gate

import (
	"time"

	"warden-hq/warden/pkg/autosearch"
	"warden-hq/warden/pkg/budget"
	"warden-hq/warden/pkg/ratelimit"
	"warden-hq/warden/pkg/scope"
)

// Kind is the category of action being authorized.
type Kind string

const (
	KindChat Kind = "chat"
	KindTool Kind = "tool"
)

// Reason identifies why a request was denied.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonPolicyDenied       Reason = "policy_denied"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonBudgetExceeded     Reason = "budget_exceeded"
	ReasonGovernanceDenied   Reason = "governance_denied"
	ReasonConfigInconsistent Reason = "config_inconsistent"
	ReasonStoreUnavailable   Reason = "store_unavailable"
)

// Action describes one request to be authorized.
type Action struct {
	Scope scope.Scope
	Kind  Kind

	UserID    string
	ChannelID string

	// Provider and Model identify the target model for chat actions.
	Provider string
	Model    string

	// Tool names the tool for tool actions.
	Tool string

	// Query, when set on a tool action, is classified into an
	// autosearch plan attached to the decision.
	Query string

	// EstimatedTokens is the pre-flight ceiling used for the budget
	// projection. Zero uses the configured default.
	EstimatedTokens int

	// Bypass exempts the caller from rate limits, typically bot
	// owners. Budget and policy checks still apply.
	Bypass bool
}

// Decision is the structured outcome of an authorization.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Message is safe to show to the requesting user. It never
	// contains provider names, limit values, or storage details
	// beyond what the user may see.
	Message string

	// RetryAfter is set for rate-limited denials.
	RetryAfter time.Duration

	// RequestID identifies an allowed request for EndRequest.
	RequestID string

	// Plan is the autosearch plan for classified tool actions.
	Plan *autosearch.Plan

	// Projection is the budget projection that backed the decision.
	Projection *budget.Projection
}

// Usage is what actually happened, reported when the request ends.
type Usage struct {
	PromptTokens     int
	CompletionTokens int

	// Provider and Model may be left empty to keep the values from
	// the authorized action.
	Provider string
	Model    string

	// Latency and Success feed tool telemetry.
	Latency time.Duration
	Success bool
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// Outcome is returned by EndRequest: the budget receipt plus the
// cost attributed to the call.
type Outcome struct {
	Receipt budget.Receipt
	CostUSD float64
}

// Status is a point-in-time snapshot of a scope's governance state
// for diagnostics and admin commands.
type Status struct {
	Scope      string
	Budget     budget.Config
	Counter    budget.Counter
	RateConfig ratelimit.Config
	Windows    []ratelimit.WindowStatus
	Activity   ActivitySummary
}

// ActivitySummary condenses the stored activity telemetry.
type ActivitySummary struct {
	ChatCount   int64
	TotalTokens int64
	CostUSD     float64
	LastUsed    time.Time
	ToolRuns    int64
}

func denied(reason Reason, message string) Decision {
	return Decision{Reason: reason, Message: message}
}
