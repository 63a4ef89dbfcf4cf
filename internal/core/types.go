// Package core defines the types and collaborator interfaces shared across
// the scheduler, pipeline, and extraction subsystems.
package core

import (
	"net/http"
	"time"
)

// Tier is the static priority band assigned to a crawl request at discovery
// time. Lower values dequeue first.
type Tier int

// Priority tiers, highest first.
const (
	TierCritical Tier = iota
	TierHigh
	TierNormal
	TierLow
)

// Valid reports whether the tier is one of the defined bands.
func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierLow
}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// CrawlRequest is a unit of frontier work. The frontier owns it while queued;
// ownership transfers to the pipeline on dequeue.
type CrawlRequest struct {
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Depth      int       `json:"depth"`
	Tier       Tier      `json:"tier"`
	Relevance  float64   `json:"relevance"`
	RetryCount int       `json:"retry_count"`
	SessionID  string    `json:"session_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FetchResult is what a Fetcher returns for one URL.
type FetchResult struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	Rendered    bool
}

// ExtractionStrategy selects which extractor family handles a page. It is a
// closed set so call sites can match exhaustively.
type ExtractionStrategy int

// Extraction strategies.
const (
	StrategyNative ExtractionStrategy = iota
	StrategySandboxed
)

func (s ExtractionStrategy) String() string {
	if s == StrategySandboxed {
		return "sandboxed"
	}
	return "native"
}

// ExtractedDoc is the normalized output of an extraction pass.
type ExtractedDoc struct {
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Text        string            `json:"text"`
	Links       []string          `json:"links,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PipelineResult is returned to the caller for each ExecuteSingle call. The
// pipeline does not retain it.
type PipelineResult struct {
	Doc          *ExtractedDoc `json:"doc,omitempty"`
	FromCache    bool          `json:"from_cache"`
	Gate         string        `json:"gate_decision"`
	QualityScore float64       `json:"quality_score"`
	ProcessingMs int64         `json:"processing_time_ms"`
	CacheKey     string        `json:"cache_key"`
	HTTPStatus   int           `json:"http_status"`
	Attempts     int           `json:"attempts"`
}

// DocRecord is persisted by the result sink for each successfully extracted
// document.
type DocRecord struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Host        string      `json:"host"`
	CacheKey    string      `json:"cache_key"`
	ContentHash string      `json:"content_hash"`
	BlobURI     string      `json:"blob_uri"`
	HTTPStatus  int         `json:"http_status"`
	Gate        string      `json:"gate_decision"`
	Quality     float64     `json:"quality_score"`
	Headers     http.Header `json:"headers,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
	DurationMs  int64       `json:"duration_ms"`
}
