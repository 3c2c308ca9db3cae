// Package pricing converts token usage into USD cost using a
// per-model price table. Models without a price entry cost zero; the
// gap is logged once per model so operators can fill the table in.
package pricing

import (
	"log/slog"
	"strings"
	"sync"
)

// ModelPrice is the cost per 1000 tokens for one model.
type ModelPrice struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// Table maps provider name to model name to price.
type Table map[string]map[string]ModelPrice

// Calculator computes USD costs from a price table. It is safe for
// concurrent use; the table can be swapped at runtime on config
// reload.
type Calculator struct {
	mu     sync.RWMutex
	table  Table
	warned map[string]struct{}
	logger *slog.Logger
}

// NewCalculator creates a calculator over the given table.
func NewCalculator(table Table, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		table:  normalizeTable(table),
		warned: make(map[string]struct{}),
		logger: logger.With("component", "pricing"),
	}
}

// Update replaces the price table, clearing the missing-price log
// dedup so regressions surface again.
func (c *Calculator) Update(table Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = normalizeTable(table)
	c.warned = make(map[string]struct{})
}

// Price returns the price entry for provider/model and whether one
// was found. Lookup is exact first, then longest matching prefix so
// dated snapshots like "gpt-4o-2024-08-06" inherit the base price.
func (c *Calculator) Price(provider, model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models, ok := c.table[strings.ToLower(provider)]
	if !ok {
		return ModelPrice{}, false
	}
	model = strings.ToLower(model)
	if price, ok := models[model]; ok {
		return price, true
	}

	var (
		best    ModelPrice
		bestLen = -1
	)
	for name, price := range models {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best = price
			bestLen = len(name)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return ModelPrice{}, false
}

// Cost returns the USD cost of a call. Unknown models cost zero and
// are logged once per provider/model pair.
func (c *Calculator) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	price, ok := c.Price(provider, model)
	if !ok {
		c.warnMissing(provider, model)
		return 0
	}
	return tokenCost(promptTokens, price.PromptPer1K) + tokenCost(completionTokens, price.CompletionPer1K)
}

func tokenCost(tokens int, per1K float64) float64 {
	if tokens <= 0 || per1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000.0 * per1K
}

func (c *Calculator) warnMissing(provider, model string) {
	key := strings.ToLower(provider) + "/" + strings.ToLower(model)

	c.mu.Lock()
	_, seen := c.warned[key]
	if !seen {
		c.warned[key] = struct{}{}
	}
	c.mu.Unlock()

	if !seen {
		c.logger.Warn("no pricing configured for model, counting cost as zero",
			"provider", provider,
			"model", model,
		)
	}
}

func normalizeTable(table Table) Table {
	if table == nil {
		return Table{}
	}
	out := make(Table, len(table))
	for provider, models := range table {
		lowered := make(map[string]ModelPrice, len(models))
		for model, price := range models {
			lowered[strings.ToLower(model)] = price
		}
		out[strings.ToLower(provider)] = lowered
	}
	return out
}
