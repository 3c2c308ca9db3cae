// Package ratelimit enforces fixed 60-second windows and cooldowns
// over dimension keys within a scope. Windows start at the first
// counted event; when a window expires the counter restarts rather
// than sliding. A check and its increment run under a per-scope lock
// so concurrent requests cannot both claim the last slot.
package ratelimit

import (
	"fmt"
	"time"
)

// Window is the fixed rate-limit window length.
const Window = time.Minute

// Config holds the per-scope rate-limit settings.
type Config struct {
	// CooldownSec is the minimum spacing between chat requests from
	// one user. Zero disables the cooldown.
	CooldownSec int

	PerUserPerMin    int
	PerChannelPerMin int

	ToolsPerUserPerMin  int
	ToolsPerGuildPerMin int
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		CooldownSec:         10,
		PerUserPerMin:       6,
		PerChannelPerMin:    20,
		ToolsPerUserPerMin:  4,
		ToolsPerGuildPerMin: 30,
	}
}

// Cooldown returns the chat cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	if c.CooldownSec <= 0 {
		return 0
	}
	return time.Duration(c.CooldownSec) * time.Second
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed bool

	// Limit and Remaining describe the window after the check. Both
	// are zero for unlimited or bypassed checks.
	Limit     int
	Remaining int

	// RetryAfter is how long until the window admits another
	// request. Zero when allowed.
	RetryAfter time.Duration
}

// WindowStatus is a diagnostic snapshot of one active window.
type WindowStatus struct {
	Key       string
	Count     int64
	ResetsIn  time.Duration
}

// Dimension key constructors. Keys are unique within a scope state.

func ChatCooldownKey(userID string) string {
	return fmt.Sprintf("chat:cooldown:user:%s", userID)
}

func ChatUserKey(userID string) string {
	return fmt.Sprintf("chat:user:%s", userID)
}

func ChatChannelKey(channelID string) string {
	return fmt.Sprintf("chat:channel:%s", channelID)
}

func ToolUserKey(userID string) string {
	return fmt.Sprintf("tool:user:%s", userID)
}

// ToolPerToolUserKey scopes a per-tool override window to one tool
// and user.
func ToolPerToolUserKey(tool, userID string) string {
	return fmt.Sprintf("tool:%s:user:%s", tool, userID)
}

func ToolGuildKey() string {
	return "tool:guild"
}

func ToolCooldownKey(tool, userID string) string {
	return fmt.Sprintf("tool:cooldown:%s:user:%s", tool, userID)
}
