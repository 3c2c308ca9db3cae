package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor prunes scope states that have gone stale, typically guilds
// the bot has left. It runs Backend.Cleanup on a cron schedule.
// Budget windows are never reset here; daily resets happen lazily on
// the next read.
type Janitor struct {
	backend   Backend
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	mu        sync.Mutex
	logger    *slog.Logger
	running   bool
}

// JanitorConfig configures the cleanup schedule.
type JanitorConfig struct {
	// Schedule is a standard cron expression, e.g. "0 4 * * *" for
	// daily at 4 AM. Empty disables the janitor.
	Schedule string

	// Retention is how long an untouched scope state is kept.
	// Default: 90 days.
	Retention time.Duration

	Logger *slog.Logger
}

// NewJanitor creates a janitor for the given backend.
func NewJanitor(backend Backend, cfg JanitorConfig) *Janitor {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		backend:   backend,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		cron:      cron.New(),
		logger:    logger.With("component", "storage.janitor"),
	}
}

// Start begins scheduled cleanup. If no schedule is configured the
// janitor does nothing.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.schedule == "" {
		j.logger.Info("cleanup schedule not configured, skipping janitor")
		return nil
	}

	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", j.schedule, err)
	}

	if _, err := j.cron.AddFunc(j.schedule, func() {
		j.runCleanup(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	j.cron.Start()
	j.running = true

	j.logger.Info("storage janitor started",
		"schedule", j.schedule,
		"retention", j.retention,
	)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()

	return nil
}

func (j *Janitor) runCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)

	removed, err := j.backend.Cleanup(ctx, cutoff)
	if err != nil {
		j.logger.Error("scheduled cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("scheduled cleanup completed", "removed", removed)
	} else {
		j.logger.Debug("scheduled cleanup completed, nothing removed")
	}
}

// Stop stops the janitor and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil && j.running {
		ctx := j.cron.Stop()
		<-ctx.Done()
		j.running = false
		j.logger.Info("storage janitor stopped")
	}
}

// IsRunning reports whether the janitor is scheduled.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// NextRun returns the next scheduled cleanup time, or nil when not
// running.
func (j *Janitor) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := j.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
