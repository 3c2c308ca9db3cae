// Package budget enforces daily spend caps per scope. Counters live
// in storage and reset lazily at a configured UTC hour: there are no
// background reset timers, the window is realigned on the next read
// or write. Warning thresholds are edge-triggered so each level
// fires once per daily window.
package budget

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigInconsistent marks a budget configuration that cannot be
// enforced. Callers must fail closed when they see it.
var ErrConfigInconsistent = errors.New("budget configuration inconsistent")

// Unit is the measure a budget is expressed in.
type Unit string

const (
	UnitTokens Unit = "tokens"
	UnitUSD    Unit = "usd"
)

// Warn levels recorded on the counter and reported on receipts.
const (
	WarnNone  = ""
	WarnLevel1 = "warn1"
	WarnLevel2 = "warn2"
)

// Config is an effective budget for one scope after merging guild
// overrides over global settings.
type Config struct {
	Unit       Unit
	DailyCap   float64 // 0 means unlimited
	Warn1Ratio float64
	Warn2Ratio float64

	// ResetHourUTC is the hour (0-23) at which the daily window
	// rolls over.
	ResetHourUTC int

	// AdminChannelID receives threshold notifications when set.
	AdminChannelID string

	// DMAdmins mirrors threshold notifications to admin DMs.
	DMAdmins bool
}

// Unlimited reports whether the budget has no cap.
func (c Config) Unlimited() bool {
	return c.DailyCap == 0
}

// Validate reports ErrConfigInconsistent for settings that cannot be
// enforced. A zero cap is valid and means unlimited.
func (c Config) Validate() error {
	switch c.Unit {
	case UnitTokens, UnitUSD:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrConfigInconsistent, c.Unit)
	}
	if c.DailyCap < 0 {
		return fmt.Errorf("%w: negative daily cap %v", ErrConfigInconsistent, c.DailyCap)
	}
	if c.ResetHourUTC < 0 || c.ResetHourUTC > 23 {
		return fmt.Errorf("%w: reset hour %d out of range", ErrConfigInconsistent, c.ResetHourUTC)
	}
	if c.Warn1Ratio <= 0 || c.Warn2Ratio <= 0 || c.Warn1Ratio >= c.Warn2Ratio || c.Warn2Ratio > 1 {
		return fmt.Errorf("%w: warn ratios %v/%v malformed", ErrConfigInconsistent, c.Warn1Ratio, c.Warn2Ratio)
	}
	return nil
}

// DefaultConfig is the built-in budget applied when neither scope
// configures one.
func DefaultConfig() Config {
	return Config{
		Unit:         UnitTokens,
		DailyCap:     0,
		Warn1Ratio:   0.8,
		Warn2Ratio:   0.95,
		ResetHourUTC: 0,
	}
}

// Counter is the consumption state of one scope's daily window.
type Counter struct {
	Unit          Unit
	ConsumedToday float64
	WindowStart   time.Time
	LastWarnLevel string
}

// Ratio returns consumption as a fraction of the cap, or 0 when the
// budget is unlimited.
func (c Counter) Ratio(cfg Config) float64 {
	if cfg.Unlimited() {
		return 0
	}
	return c.ConsumedToday / cfg.DailyCap
}

// Projection is the result of a pre-flight budget check. The crossed
// flags report which warning thresholds the projected delta would
// cross; nothing fires until the usage is actually recorded.
type Projection struct {
	Allowed   bool
	Unlimited bool
	Cap       float64
	Before    float64
	After     float64

	CrossedWarn1 bool
	CrossedWarn2 bool
}

// Receipt summarizes a recorded usage delta. Crossed levels fire at
// most once per daily window.
type Receipt struct {
	Counter      Counter
	Config       Config
	CrossedWarn1 bool
	CrossedWarn2 bool
	CrossedCap   bool
	OverBudget   bool
}

// resetBoundary returns the start of the daily window containing
// now: today's reset time if it has passed, otherwise yesterday's.
func resetBoundary(now time.Time, resetHourUTC int) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), resetHourUTC, 0, 0, 0, time.UTC)
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}
