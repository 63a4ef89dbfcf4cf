// Package gate scores fetched pages and routes each one to an extraction
// strategy: cheap static extraction for content-rich HTML, headless rendering
// for script-heavy shells, and a probe-first middle path in between.
package gate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Decision is the extraction route for one page.
type Decision int

// Routing decisions.
const (
	// DecisionRaw means static extraction of the fetched HTML suffices.
	DecisionRaw Decision = iota
	// DecisionProbesFirst means try static extraction, escalate to headless
	// only if the extracted quality lands below the low threshold.
	DecisionProbesFirst
	// DecisionHeadless means the page needs a rendering pass before
	// extraction is worthwhile.
	DecisionHeadless
)

func (d Decision) String() string {
	switch d {
	case DecisionRaw:
		return "raw"
	case DecisionProbesFirst:
		return "probes_first"
	case DecisionHeadless:
		return "headless"
	default:
		return "unknown"
	}
}

// Features is the per-page signal vector the gate scores. Computed fresh for
// every request, never persisted.
type Features struct {
	HTMLSize             int
	ScriptCount          int
	TextDensity          float64
	MetadataCompleteness float64
}

// Result is the gate's verdict for one page.
type Result struct {
	Decision Decision
	Score    float64
	Features Features
}

// Config holds the routing thresholds.
type Config struct {
	// HiThreshold routes to raw extraction at or above.
	HiThreshold float64 `mapstructure:"hi_threshold"`
	// LoThreshold routes to headless at or below.
	LoThreshold float64 `mapstructure:"lo_threshold"`
}

// DefaultConfig matches the shipped config file.
func DefaultConfig() Config {
	return Config{HiThreshold: 0.7, LoThreshold: 0.3}
}

// Validate rejects threshold pairs that would make the middle band empty or
// inverted.
func (c Config) Validate() error {
	if c.LoThreshold < 0 || c.HiThreshold > 1 {
		return fmt.Errorf("gate thresholds must lie in [0,1], got lo=%v hi=%v", c.LoThreshold, c.HiThreshold)
	}
	if c.LoThreshold >= c.HiThreshold {
		return fmt.Errorf("gate lo_threshold %v must be below hi_threshold %v", c.LoThreshold, c.HiThreshold)
	}
	return nil
}

// Analyzer computes page features and routes extraction.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer builds an Analyzer; the config must already be validated.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// metadata signals counted toward completeness, one point each.
var metaSelectors = []string{
	"title",
	`meta[name="description"]`,
	`meta[property="og:title"]`,
	`link[rel="canonical"]`,
	"h1",
}

// ExtractFeatures parses the body and measures the gate's signal vector.
// A body that fails to parse yields zero features, which routes headless.
func ExtractFeatures(body []byte) Features {
	f := Features{HTMLSize: len(body)}
	if len(body) == 0 {
		return f
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return f
	}

	f.ScriptCount = doc.Find("script").Length()

	// Visible text only: scripts and styles are noise, not content.
	clone := doc.Clone()
	clone.Find("script, style, noscript").Remove()
	text := strings.TrimSpace(clone.Find("body").Text())
	if f.HTMLSize > 0 {
		f.TextDensity = float64(len(text)) / float64(f.HTMLSize)
	}

	present := 0
	for _, sel := range metaSelectors {
		if doc.Find(sel).Length() > 0 {
			present++
		}
	}
	f.MetadataCompleteness = float64(present) / float64(len(metaSelectors))

	return f
}

// Score folds the feature vector into [0,1]. Text density dominates; metadata
// completeness and a script-weight penalty fill in the rest.
func Score(f Features) float64 {
	// Real article pages land around 0.1-0.3 density, so saturate early.
	densityTerm := clamp01(f.TextDensity * 5)

	// Script weight per 10KB of markup. A handful of scripts on a large page
	// is fine; dozens on a small one means a JS shell.
	scriptTerm := 1.0
	if f.HTMLSize > 0 {
		perTenKB := float64(f.ScriptCount) / (float64(f.HTMLSize) / 10240)
		scriptTerm = 1.0 / (1.0 + perTenKB/4)
	}

	return clamp01(0.5*densityTerm + 0.3*f.MetadataCompleteness + 0.2*scriptTerm)
}

// Decide routes the page. A zero text density always routes headless since
// there is nothing for static extraction to work with.
func (a *Analyzer) Decide(f Features) Result {
	score := Score(f)
	res := Result{Score: score, Features: f}
	switch {
	case f.TextDensity == 0:
		res.Decision = DecisionHeadless
	case score >= a.cfg.HiThreshold:
		res.Decision = DecisionRaw
	case score <= a.cfg.LoThreshold:
		res.Decision = DecisionHeadless
	default:
		res.Decision = DecisionProbesFirst
	}
	return res
}

// ShouldEscalate reports whether a probes-first extraction landed below the
// low threshold and needs the headless pass. Escalation is single-level:
// callers never route back to raw afterwards.
func (a *Analyzer) ShouldEscalate(quality float64) bool {
	return quality < a.cfg.LoThreshold
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
