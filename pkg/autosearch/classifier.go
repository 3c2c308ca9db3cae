// Package autosearch classifies a free-text query into a web
// acquisition plan: search, scrape, crawl, or deep research. The
// classifier is an ordered rule table evaluated top-down; the first
// matching rule builds the plan. Plans carry caps that are clamped
// to hard ceilings regardless of configuration.
package autosearch

import (
	"regexp"
	"strconv"
	"strings"
)

// Mode is the selected acquisition strategy.
type Mode string

const (
	ModeSearch       Mode = "search"
	ModeScrape       Mode = "scrape"
	ModeCrawl        Mode = "crawl"
	ModeDeepResearch Mode = "deep_research"
)

// Hard ceilings no configuration may exceed.
const (
	MaxDepthCeiling   = 3
	MaxResultsCeiling = 50
)

// Built-in defaults applied when a setting is zero.
const (
	defaultDepth       = 2
	defaultCrawlLimit  = 10
	defaultSearchLimit = 5
	listSearchLimit    = 8
	DefaultMaxChars    = 4000
)

// deepQueryLength is the length past which a query is treated as an
// open-ended research request.
const deepQueryLength = 160

// maxScrapeURLs bounds how many explicit URLs a single plan carries.
const maxScrapeURLs = 5

// Settings are the per-scope autosearch limits, typically resolved
// from guild configuration.
type Settings struct {
	MaxDepth         int
	MaxResults       int
	MaxChars         int
	AutoscrapeSingle bool
}

// DefaultSettings returns the built-in limits.
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:   defaultDepth,
		MaxResults: MaxResultsCeiling,
		MaxChars:   DefaultMaxChars,
	}
}

// Caps are the effective, already-clamped limits of a plan.
type Caps struct {
	MaxDepth   int
	MaxResults int
	MaxChars   int
}

// Plan is the executable outcome of classification.
type Plan struct {
	Mode       Mode
	Rule       string
	Confidence float64
	Query      string
	URLs       []string
	Caps       Caps

	// AutoscrapeSingle echoes the setting so executors know whether
	// a single search hit may be scraped without confirmation.
	AutoscrapeSingle bool
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s<>()]+`)
	domainPattern = regexp.MustCompile(`\b[a-z0-9][a-z0-9-]*(\.[a-z0-9][a-z0-9-]*)+\b`)
	depthPattern  = regexp.MustCompile(`depth\s+(\d+)`)
	limitPattern  = regexp.MustCompile(`limit\s+(\d+)`)
)

var crawlKeywords = []string{
	"crawl", "entire site", "whole site", "all pages", "site map", "sitemap", "map the", "discover",
}

var deepKeywords = []string{
	"research", "in depth", "in-depth", "comprehensive", "versus", " vs ", "compare", "comparison",
	"impact", "trend", "analysis", "pros and cons", "future", "strategy",
}

var listKeywords = []string{"list", "top", "best", "alternatives"}

// query is the pre-parsed form a rule matches against.
type query struct {
	raw     string
	lowered string
	urls    []string
	domains []string
}

// rule is one entry of the classification table.
type rule struct {
	name  string
	match func(q query) bool
	build func(q query, s Settings) Plan
}

// rules is evaluated in order; the final entry always matches.
var rules = []rule{
	{
		name: "crawl",
		match: func(q query) bool {
			if len(q.urls) == 0 && len(q.domains) == 0 {
				return false
			}
			return containsAny(q.lowered, crawlKeywords)
		},
		build: buildCrawl,
	},
	{
		name: "scrape",
		match: func(q query) bool {
			return len(q.urls) > 0
		},
		build: buildScrape,
	},
	{
		name: "deep_research",
		match: func(q query) bool {
			return len(q.raw) > deepQueryLength || containsAny(q.lowered, deepKeywords)
		},
		build: buildDeepResearch,
	},
	{
		name: "search",
		match: func(q query) bool {
			return true
		},
		build: buildSearch,
	},
}

// Classify turns a query into a plan under the given settings.
func Classify(text string, settings Settings) Plan {
	q := parseQuery(text)
	for _, r := range rules {
		if r.match(q) {
			plan := r.build(q, settings)
			plan.Rule = r.name
			plan.Query = strings.TrimSpace(text)
			plan.AutoscrapeSingle = settings.AutoscrapeSingle
			plan.Caps.MaxChars = effectiveMaxChars(settings)
			return plan
		}
	}
	// Unreachable: the search rule always matches.
	return Plan{Mode: ModeSearch, Query: text}
}

func parseQuery(text string) query {
	lowered := strings.ToLower(text)
	urls := urlPattern.FindAllString(text, -1)
	if len(urls) > maxScrapeURLs {
		urls = urls[:maxScrapeURLs]
	}

	var domains []string
	for _, d := range domainPattern.FindAllString(lowered, -1) {
		if !partOfURL(urls, d) {
			domains = append(domains, d)
		}
	}
	return query{raw: strings.TrimSpace(text), lowered: lowered, urls: urls, domains: domains}
}

func buildCrawl(q query, s Settings) Plan {
	depth := defaultDepth
	if m := depthPattern.FindStringSubmatch(q.lowered); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			depth = n
		}
	}
	limit := defaultCrawlLimit
	if m := limitPattern.FindStringSubmatch(q.lowered); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			limit = n
		}
	}

	target := q.urls
	if len(target) == 0 {
		target = []string{"https://" + q.domains[0]}
	}

	return Plan{
		Mode:       ModeCrawl,
		Confidence: 0.9,
		URLs:       target[:1],
		Caps: Caps{
			MaxDepth:   clamp(depth, 1, effectiveMaxDepth(s)),
			MaxResults: clamp(limit, 1, effectiveMaxResults(s)),
		},
	}
}

func buildScrape(q query, s Settings) Plan {
	confidence := 0.9
	if len(q.urls) > 1 {
		confidence = 0.85
	}
	return Plan{
		Mode:       ModeScrape,
		Confidence: confidence,
		URLs:       q.urls,
		Caps: Caps{
			MaxDepth:   1,
			MaxResults: clamp(len(q.urls), 1, effectiveMaxResults(s)),
		},
	}
}

func buildDeepResearch(q query, s Settings) Plan {
	return Plan{
		Mode:       ModeDeepResearch,
		Confidence: 0.6,
		Caps: Caps{
			MaxDepth:   effectiveMaxDepth(s),
			MaxResults: effectiveMaxResults(s),
		},
	}
}

func buildSearch(q query, s Settings) Plan {
	limit := defaultSearchLimit
	if containsAny(q.lowered, listKeywords) {
		limit = listSearchLimit
	}
	return Plan{
		Mode:       ModeSearch,
		Confidence: searchConfidence(q.raw),
		Caps: Caps{
			MaxDepth:   1,
			MaxResults: clamp(limit, 1, effectiveMaxResults(s)),
		},
	}
}

// searchConfidence scores inversely to query ambiguity: short
// factual queries score high, rambling ones low.
func searchConfidence(text string) float64 {
	words := len(strings.Fields(text))
	conf := 0.9 - 0.03*float64(max(0, words-4))
	if conf < 0.3 {
		conf = 0.3
	}
	return conf
}

func effectiveMaxDepth(s Settings) int {
	d := s.MaxDepth
	if d <= 0 {
		d = defaultDepth
	}
	return clamp(d, 1, MaxDepthCeiling)
}

func effectiveMaxResults(s Settings) int {
	r := s.MaxResults
	if r <= 0 {
		r = MaxResultsCeiling
	}
	return clamp(r, 1, MaxResultsCeiling)
}

func effectiveMaxChars(s Settings) int {
	if s.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return s.MaxChars
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func partOfURL(urls []string, domain string) bool {
	for _, u := range urls {
		if strings.Contains(strings.ToLower(u), domain) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
