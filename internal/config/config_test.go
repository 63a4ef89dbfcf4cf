package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foofork/riptide/internal/budget"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default server addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Frontier.MaxResident != 10000 {
		t.Errorf("expected frontier max_resident 10000, got %d", cfg.Frontier.MaxResident)
	}
	if cfg.Gate.HiThreshold != 0.7 || cfg.Gate.LoThreshold != 0.3 {
		t.Errorf("unexpected gate thresholds: %+v", cfg.Gate)
	}
	if !cfg.Crawl.FollowLinks {
		t.Error("expected crawl.follow_links default true")
	}
	if cfg.Pipeline.CacheTTL != time.Hour {
		t.Errorf("expected pipeline cache_ttl 1h, got %s", cfg.Pipeline.CacheTTL)
	}
	bcfg, err := cfg.Budget.ToBudget()
	if err != nil {
		t.Fatalf("ToBudget() error = %v", err)
	}
	if bcfg.Mode != budget.ModeSoft {
		t.Errorf("expected soft budget mode, got %s", bcfg.Mode)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
server:
  addr: ":9090"
  timeout_seconds: 30
  auth:
    enabled: true
    api_key: secret
frontier:
  max_resident: 500
  per_host_in_flight: 1
  query: inflation prices
budget:
  mode: adaptive
  global:
    max_pages: 1000
    max_concurrent: 16
  host_rps: 0.5
gate:
  hi_threshold: 0.8
  lo_threshold: 0.2
pool:
  size: 4
  max_uses: 200
pipeline:
  cache_ttl: 30m
  max_attempts: 5
crawl:
  workers: 8
  follow_links: false
fetch:
  user_agent: riptide-test
  timeout: 10s
headless:
  enabled: true
  max_parallel: 3
spill:
  enabled: true
  dir: /tmp/spill
storage:
  backend: local
  local:
    base_dir: /tmp/blobs
database:
  dsn: postgres://riptide@localhost/riptide
  table: documents
pubsub:
  enabled: true
  project_id: test-project
sink:
  topic: custom.results
  blob_prefix: archive
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" || !cfg.Server.Auth.Enabled {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Frontier.Query != "inflation prices" {
		t.Errorf("unexpected frontier query %q", cfg.Frontier.Query)
	}
	bcfg, err := cfg.Budget.ToBudget()
	if err != nil {
		t.Fatalf("ToBudget() error = %v", err)
	}
	if bcfg.Mode != budget.ModeAdaptive || bcfg.Global.MaxPages != 1000 {
		t.Errorf("unexpected budget config: %+v", bcfg)
	}
	if cfg.Gate.HiThreshold != 0.8 {
		t.Errorf("unexpected gate hi threshold %f", cfg.Gate.HiThreshold)
	}
	if cfg.Pipeline.ToRetry().MaxAttempts != 5 {
		t.Errorf("unexpected retry attempts %d", cfg.Pipeline.ToRetry().MaxAttempts)
	}
	if cfg.Pipeline.ToPipeline().CacheTTL != 30*time.Minute {
		t.Errorf("unexpected cache ttl")
	}
	if cfg.Crawl.Workers != 8 || cfg.Crawl.FollowLinks {
		t.Errorf("unexpected crawl config: %+v", cfg.Crawl)
	}
	if cfg.Fetch.ToColly().UserAgent != "riptide-test" {
		t.Errorf("unexpected fetch user agent")
	}
	if cfg.Headless.ToHeadless().MaxParallel != 3 {
		t.Errorf("unexpected headless parallelism")
	}
	if cfg.DB.Table != "documents" {
		t.Errorf("unexpected database table %q", cfg.DB.Table)
	}
	if cfg.Sink.Topic != "custom.results" {
		t.Errorf("unexpected sink topic %q", cfg.Sink.Topic)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "auth without key",
			mutate:  func(c *Config) { c.Server.Auth.Enabled = true },
			wantSub: "api_key",
		},
		{
			name:    "bad gate thresholds",
			mutate:  func(c *Config) { c.Gate.LoThreshold = 0.9 },
			wantSub: "gate",
		},
		{
			name:    "bad budget mode",
			mutate:  func(c *Config) { c.Budget.Mode = "aggressive" },
			wantSub: "mode",
		},
		{
			name:    "local backend without dir",
			mutate:  func(c *Config) { c.Storage.Backend = "local" },
			wantSub: "base_dir",
		},
		{
			name:    "gcs backend without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = "gcs" },
			wantSub: "bucket",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantSub: "storage.backend",
		},
		{
			name:    "spill without dir",
			mutate:  func(c *Config) { c.Spill.Enabled = true; c.Spill.Dir = "" },
			wantSub: "spill.dir",
		},
		{
			name:    "pubsub without project",
			mutate:  func(c *Config) { c.PubSub.Enabled = true },
			wantSub: "project_id",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}
