package main

import (
	"fmt"
	"log/slog"
	"os"

	"warden-hq/warden/pkg/budget"
	"warden-hq/warden/pkg/cli"
	"warden-hq/warden/pkg/config"
	"warden-hq/warden/pkg/gate"
	"warden-hq/warden/pkg/pricing"
	"warden-hq/warden/pkg/ratelimit"
	"warden-hq/warden/pkg/storage"
	"warden-hq/warden/pkg/telemetry/logging"
)

// loadConfig reads the config named by the global flag, with WARDEN_*
// environment overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	return cfg, nil
}

// newLogger builds the configured logger writing to stderr so command
// output on stdout stays parseable.
func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Logging, os.Stderr)
}

// openBackend opens the configured persistence backend. The caller
// owns Close.
func openBackend(cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return storage.NewSQLiteBackend(cfg.Storage.Path)
	case config.BackendMemory:
		return storage.NewMemoryBackend(storage.MemoryConfig{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// newGate assembles a gate over the store with the configured
// defaults, the same wiring a bot host uses.
func newGate(cfg *config.Config, store storage.Backend, logger *slog.Logger) (*gate.Gate, error) {
	locks := storage.NewKeyedMutex()
	return gate.New(gate.Config{
		Store: store,
		Budgets: budget.NewAccountant(store, budget.AccountantConfig{
			Defaults: cfg.BudgetDefaults(),
			Locks:    locks,
			Logger:   logger,
		}),
		Limits: ratelimit.NewLimiter(store, ratelimit.LimiterConfig{
			Defaults: cfg.RateDefaults(),
			Locks:    locks,
			Logger:   logger,
		}),
		Pricer:         pricing.NewCalculator(cfg.Pricing, logger),
		Logger:         logger,
		Locks:          locks,
		Autosearch:     cfg.AutosearchSettings(),
		EstimateTokens: cfg.Governance.EstimateTokens,
	})
}
