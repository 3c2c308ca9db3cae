package autosearch

import (
	"strings"
	"testing"
)

func TestClassifyModes(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Mode
	}{
		{"plain search", "weather today", ModeSearch},
		{"question search", "who won the 2026 world cup", ModeSearch},
		{"single url", "scrape https://example.com/page", ModeScrape},
		{"bare url", "https://example.com/article", ModeScrape},
		{"multiple urls", "summarize https://a.com/x and https://b.com/y", ModeScrape},
		{"crawl with url", "crawl https://example.com for docs", ModeCrawl},
		{"crawl with domain", "map the pages on example.com", ModeCrawl},
		{"all pages", "get all pages from docs.example.org", ModeCrawl},
		{"research keyword", "research the history of quantum computing in depth", ModeDeepResearch},
		{"comparison", "compare kubernetes and nomad for small teams", ModeDeepResearch},
		{"long query", strings.Repeat("very detailed question ", 10), ModeDeepResearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Classify(tt.query, DefaultSettings())
			if plan.Mode != tt.want {
				t.Errorf("Classify(%q).Mode = %s (rule %s), want %s", tt.query, plan.Mode, plan.Rule, tt.want)
			}
		})
	}
}

func TestURLExtraction(t *testing.T) {
	plan := Classify("scrape https://example.com/page and https://other.net/a", DefaultSettings())
	if len(plan.URLs) != 2 {
		t.Fatalf("expected 2 URLs, got %v", plan.URLs)
	}
	if plan.URLs[0] != "https://example.com/page" {
		t.Errorf("first URL = %q", plan.URLs[0])
	}

	// URL count is bounded even for link dumps.
	many := "https://a.com https://b.com https://c.com https://d.com https://e.com https://f.com https://g.com"
	plan = Classify(many, DefaultSettings())
	if len(plan.URLs) != maxScrapeURLs {
		t.Errorf("expected %d URLs, got %d", maxScrapeURLs, len(plan.URLs))
	}
}

func TestCrawlCapParsing(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantDepth   int
		wantResults int
	}{
		{"defaults", "crawl https://example.com", defaultDepth, defaultCrawlLimit},
		{"explicit", "crawl https://example.com depth 3 limit 25", 3, 25},
		{"depth above ceiling", "crawl https://example.com depth 9", MaxDepthCeiling, defaultCrawlLimit},
		{"limit above ceiling", "crawl https://example.com limit 500", defaultDepth, MaxResultsCeiling},
		{"zero depth clamps up", "crawl https://example.com depth 0", 1, defaultCrawlLimit},
	}

	settings := DefaultSettings()
	settings.MaxDepth = MaxDepthCeiling

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Classify(tt.query, settings)
			if plan.Mode != ModeCrawl {
				t.Fatalf("Mode = %s, want crawl", plan.Mode)
			}
			if plan.Caps.MaxDepth != tt.wantDepth {
				t.Errorf("MaxDepth = %d, want %d", plan.Caps.MaxDepth, tt.wantDepth)
			}
			if plan.Caps.MaxResults != tt.wantResults {
				t.Errorf("MaxResults = %d, want %d", plan.Caps.MaxResults, tt.wantResults)
			}
		})
	}
}

func TestSettingsTightenCaps(t *testing.T) {
	settings := Settings{MaxDepth: 1, MaxResults: 3, MaxChars: 2000}

	plan := Classify("crawl https://example.com depth 3 limit 25", settings)
	if plan.Caps.MaxDepth != 1 {
		t.Errorf("MaxDepth = %d, want 1 from settings", plan.Caps.MaxDepth)
	}
	if plan.Caps.MaxResults != 3 {
		t.Errorf("MaxResults = %d, want 3 from settings", plan.Caps.MaxResults)
	}
	if plan.Caps.MaxChars != 2000 {
		t.Errorf("MaxChars = %d, want 2000 from settings", plan.Caps.MaxChars)
	}
}

func TestSettingsCannotExceedCeilings(t *testing.T) {
	settings := Settings{MaxDepth: 99, MaxResults: 9999}

	plan := Classify("crawl https://example.com depth 99 limit 9999", settings)
	if plan.Caps.MaxDepth != MaxDepthCeiling {
		t.Errorf("MaxDepth = %d, want ceiling %d", plan.Caps.MaxDepth, MaxDepthCeiling)
	}
	if plan.Caps.MaxResults != MaxResultsCeiling {
		t.Errorf("MaxResults = %d, want ceiling %d", plan.Caps.MaxResults, MaxResultsCeiling)
	}
}

func TestSearchLimits(t *testing.T) {
	plan := Classify("weather today", DefaultSettings())
	if plan.Caps.MaxResults != defaultSearchLimit {
		t.Errorf("MaxResults = %d, want %d", plan.Caps.MaxResults, defaultSearchLimit)
	}

	plan = Classify("top linux distros for servers", DefaultSettings())
	if plan.Caps.MaxResults != listSearchLimit {
		t.Errorf("list query MaxResults = %d, want %d", plan.Caps.MaxResults, listSearchLimit)
	}
}

func TestSearchConfidence(t *testing.T) {
	short := Classify("weather today", DefaultSettings())
	long := Classify("what is the general sentiment among people about things lately somewhere", DefaultSettings())

	if short.Confidence <= long.Confidence {
		t.Errorf("short query confidence (%v) should exceed long query confidence (%v)",
			short.Confidence, long.Confidence)
	}
	if short.Confidence > 0.9 || long.Confidence < 0.3 {
		t.Errorf("confidence out of range: short=%v long=%v", short.Confidence, long.Confidence)
	}
}

func TestAutoscrapeSingleEchoed(t *testing.T) {
	settings := DefaultSettings()
	if plan := Classify("weather today", settings); plan.AutoscrapeSingle {
		t.Error("AutoscrapeSingle should default to false")
	}

	settings.AutoscrapeSingle = true
	if plan := Classify("weather today", settings); !plan.AutoscrapeSingle {
		t.Error("AutoscrapeSingle setting should be carried on the plan")
	}
}
