// Package policy resolves which models and tools a scope may use.
// Model policies are allow/deny lists keyed by provider; deny always
// wins, and an empty effective allow list means every model is
// permitted.
package policy

import "strings"

// ModelPolicy is a set of allow and deny lists keyed by provider
// name. Model names are matched case-insensitively.
type ModelPolicy struct {
	Allow map[string][]string
	Deny  map[string][]string
}

// AllowEmpty reports whether the policy has no allow entries at all,
// which means the default-permit rule applies.
func (p ModelPolicy) AllowEmpty() bool {
	for _, models := range p.Allow {
		if len(models) > 0 {
			return false
		}
	}
	return true
}

// Denies reports whether provider/model appears on a deny list.
func (p ModelPolicy) Denies(provider, model string) bool {
	return containsModel(p.Deny, provider, model)
}

// Allows reports whether provider/model is permitted by the policy:
// not denied, and either the allow list is empty or the model appears
// on it.
func (p ModelPolicy) Allows(provider, model string) bool {
	if p.Denies(provider, model) {
		return false
	}
	if p.AllowEmpty() {
		return true
	}
	return containsModel(p.Allow, provider, model)
}

func containsModel(lists map[string][]string, provider, model string) bool {
	provider = strings.ToLower(provider)
	model = strings.ToLower(model)
	for _, m := range lists[provider] {
		if strings.ToLower(m) == model {
			return true
		}
	}
	return false
}

// ToolGovernance is the effective tool governance for a scope: tool
// and channel gating plus per-tool limit overrides.
type ToolGovernance struct {
	AllowTools    []string
	DenyTools     []string
	AllowChannels []string
	DenyChannels  []string

	// PerUserMinute maps a tool name to a per-user per-minute limit
	// overriding the scope-wide tool rate default.
	PerUserMinute map[string]int

	// ToolCooldownSec maps a tool name to a per-user cooldown.
	ToolCooldownSec map[string]int

	// PerUserDailyTokens caps tokens a single user may consume per
	// rolling day. Zero means no cap.
	PerUserDailyTokens int64
}

// PermitsTool reports whether the tool passes the governance lists.
// Deny wins; an empty allow list permits every tool.
func (g ToolGovernance) PermitsTool(tool string) bool {
	tool = strings.ToLower(tool)
	if containsFold(g.DenyTools, tool) {
		return false
	}
	if len(g.AllowTools) == 0 {
		return true
	}
	return containsFold(g.AllowTools, tool)
}

// PermitsChannel reports whether tools may run in the channel. Deny
// wins; an empty allow list permits every channel.
func (g ToolGovernance) PermitsChannel(channelID string) bool {
	if channelID == "" {
		return true
	}
	if containsFold(g.DenyChannels, channelID) {
		return false
	}
	if len(g.AllowChannels) == 0 {
		return true
	}
	return containsFold(g.AllowChannels, channelID)
}

func containsFold(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
