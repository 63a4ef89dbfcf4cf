package core

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns the body plus response metadata.
// Implementations must honor the context deadline.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Extractor turns fetched bytes into a document. QualityScore is in [0,1].
type Extractor interface {
	Extract(ctx context.Context, body []byte, url string, strategy ExtractionStrategy) (*ExtractedDoc, float64, error)
}

// PDFProcessor handles application/pdf bodies. Decoding internals live
// outside the core.
type PDFProcessor interface {
	Process(ctx context.Context, body []byte, url string) (*ExtractedDoc, error)
}

// Cache is the pluggable key-value collaborator for pipeline results.
type Cache interface {
	Get(ctx context.Context, key string) (*PipelineResult, bool)
	Set(ctx context.Context, key string, value *PipelineResult, ttl time.Duration)
}

// SpillStore absorbs frontier overflow when the resident queue hits its
// memory ceiling. Entries come back in insertion order.
type SpillStore interface {
	Put(ctx context.Context, req CrawlRequest) error
	TakeNext(ctx context.Context) (*CrawlRequest, error)
	Len() int
	Close() error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// DocStore persists extracted document records.
type DocStore interface {
	StoreDoc(ctx context.Context, record DocRecord) error
	Close()
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for cache keys and content dedup.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
