// Package sink persists successful pipeline results: content hash, blob
// archive, document record, and completion event publish.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/core"
)

// Config controls Sink behavior.
type Config struct {
	// ContentType is recorded on archived blobs (default application/json).
	ContentType string `mapstructure:"content_type"`
	// BlobPrefix is prepended to archive paths.
	BlobPrefix string `mapstructure:"blob_prefix"`
	// Topic receives completion events when a publisher is configured.
	Topic string `mapstructure:"topic"`
	// StoreCached also persists results served from cache (default false,
	// they were persisted when first extracted).
	StoreCached bool `mapstructure:"store_cached"`
}

// Sink archives extracted documents and records their metadata. DocStore and
// Publisher are optional; a nil collaborator skips that step.
type Sink struct {
	blobs  core.BlobStore
	docs   core.DocStore
	pub    core.Publisher
	hasher core.Hasher
	clock  core.Clock
	ids    core.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sink. The blob store, hasher, clock, and ID generator are
// required.
func New(
	blobs core.BlobStore,
	docs core.DocStore,
	pub core.Publisher,
	hasher core.Hasher,
	clock core.Clock,
	ids core.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Sink, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Sink{
		blobs:  blobs,
		docs:   docs,
		pub:    pub,
		hasher: hasher,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Store archives the result and records it. Cached results are skipped
// unless StoreCached is set.
func (s *Sink) Store(ctx context.Context, result *core.PipelineResult) error {
	if result == nil || result.Doc == nil {
		return fmt.Errorf("result has no document")
	}
	if result.FromCache && !s.cfg.StoreCached {
		return nil
	}

	data, err := json.Marshal(result.Doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash document: %w", err)
	}

	host := hostOf(result.Doc.URL)
	blobPath := s.buildBlobPath(host, hash)
	uri, err := s.blobs.PutObject(ctx, blobPath, s.cfg.ContentType, data)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate record id: %w", err)
	}
	record := core.DocRecord{
		ID:          id,
		URL:         result.Doc.URL,
		Host:        host,
		CacheKey:    result.CacheKey,
		ContentHash: hash,
		BlobURI:     uri,
		HTTPStatus:  result.HTTPStatus,
		Gate:        result.Gate,
		Quality:     result.QualityScore,
		FetchedAt:   s.clock.Now(),
		DurationMs:  result.ProcessingMs,
	}
	if s.docs != nil {
		if err := s.docs.StoreDoc(ctx, record); err != nil {
			return fmt.Errorf("store document record: %w", err)
		}
	}

	if s.pub != nil && s.cfg.Topic != "" {
		msgID, err := s.pub.Publish(ctx, s.cfg.Topic, record)
		if err != nil {
			return fmt.Errorf("publish completion: %w", err)
		}
		s.logger.Debug("published completion",
			zap.String("url", record.URL),
			zap.String("message_id", msgID),
		)
	}
	return nil
}

func (s *Sink) buildBlobPath(host, hash string) string {
	prefix := strings.Trim(s.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, host, hash)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
