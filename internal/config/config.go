// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/foofork/riptide/internal/api"
	"github.com/foofork/riptide/internal/breaker"
	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/crawl"
	collyfetcher "github.com/foofork/riptide/internal/fetcher/colly"
	"github.com/foofork/riptide/internal/fetcher/headless"
	"github.com/foofork/riptide/internal/frontier"
	"github.com/foofork/riptide/internal/gate"
	"github.com/foofork/riptide/internal/pipeline"
	"github.com/foofork/riptide/internal/pool"
	"github.com/foofork/riptide/internal/sink"
	"github.com/foofork/riptide/internal/storage/gcs"
	"github.com/foofork/riptide/internal/storage/local"
	"github.com/foofork/riptide/internal/storage/postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig           `mapstructure:"logging"`
	Server   api.Config              `mapstructure:"server"`
	Frontier FrontierConfig          `mapstructure:"frontier"`
	Budget   BudgetConfig            `mapstructure:"budget"`
	Gate     gate.Config             `mapstructure:"gate"`
	Breaker  BreakerConfig           `mapstructure:"breaker"`
	Pool     PoolConfig              `mapstructure:"pool"`
	Pipeline PipelineConfig          `mapstructure:"pipeline"`
	Crawl    crawl.Config            `mapstructure:"crawl"`
	Fetch    FetchConfig             `mapstructure:"fetch"`
	Headless HeadlessConfig          `mapstructure:"headless"`
	Spill    SpillConfig             `mapstructure:"spill"`
	Storage  StorageConfig           `mapstructure:"storage"`
	DB       postgres.DocStoreConfig `mapstructure:"database"`
	PubSub   PubSubConfig            `mapstructure:"pubsub"`
	Sink     sink.Config             `mapstructure:"sink"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FrontierConfig governs the crawl frontier.
type FrontierConfig struct {
	MaxResident     int           `mapstructure:"max_resident"`
	PerHostInFlight int           `mapstructure:"per_host_in_flight"`
	EntryTTL        time.Duration `mapstructure:"entry_ttl"`
	HostIdleTTL     time.Duration `mapstructure:"host_idle_ttl"`
	Query           string        `mapstructure:"query"`
	HostCooldown    time.Duration `mapstructure:"host_cooldown"`
}

// ToFrontier converts to the frontier package config.
func (c FrontierConfig) ToFrontier() frontier.Config {
	return frontier.Config{
		MaxResident:     c.MaxResident,
		PerHostInFlight: c.PerHostInFlight,
		EntryTTL:        c.EntryTTL,
		HostIdleTTL:     c.HostIdleTTL,
		Query:           c.Query,
		HostCooldown:    c.HostCooldown,
	}
}

// BudgetLimits mirrors budget.Limits with config tags.
type BudgetLimits struct {
	MaxPages      int64         `mapstructure:"max_pages"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	MaxDepth      int           `mapstructure:"max_depth"`
}

// BudgetConfig governs crawl admission.
type BudgetConfig struct {
	Mode          string        `mapstructure:"mode"`
	Global        BudgetLimits  `mapstructure:"global"`
	PerHost       BudgetLimits  `mapstructure:"per_host"`
	PerSession    BudgetLimits  `mapstructure:"per_session"`
	WarnThreshold float64       `mapstructure:"warn_threshold"`
	AdaptiveBase  time.Duration `mapstructure:"adaptive_base_delay"`
	AdaptiveExp   float64       `mapstructure:"adaptive_exponent"`
	AdaptiveMax   time.Duration `mapstructure:"adaptive_max_delay"`
	HostRPS       float64       `mapstructure:"host_rps"`
	HostBurst     int           `mapstructure:"host_burst"`
}

// ToBudget converts to the budget package config.
func (c BudgetConfig) ToBudget() (budget.Config, error) {
	mode := budget.ModeSoft
	if c.Mode != "" {
		parsed, err := budget.ParseMode(c.Mode)
		if err != nil {
			return budget.Config{}, fmt.Errorf("budget.mode: %w", err)
		}
		mode = parsed
	}
	toLimits := func(l BudgetLimits) budget.Limits {
		return budget.Limits{
			MaxPages:      l.MaxPages,
			MaxBandwidth:  l.MaxBytes,
			MaxDuration:   l.MaxDuration,
			MaxConcurrent: l.MaxConcurrent,
			MaxDepth:      l.MaxDepth,
		}
	}
	return budget.Config{
		Mode:              mode,
		Global:            toLimits(c.Global),
		PerHost:           toLimits(c.PerHost),
		PerSession:        toLimits(c.PerSession),
		WarnThreshold:     c.WarnThreshold,
		AdaptiveBaseDelay: c.AdaptiveBase,
		AdaptiveExponent:  c.AdaptiveExp,
		AdaptiveMaxDelay:  c.AdaptiveMax,
		HostRPS:           c.HostRPS,
		HostBurst:         c.HostBurst,
	}, nil
}

// BreakerConfig governs per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MaxTrialCalls    int           `mapstructure:"max_trial_calls"`
}

// ToBreaker converts to the breaker package config.
func (c BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		MaxTrialCalls:    c.MaxTrialCalls,
	}
}

// PoolConfig governs the extraction worker pool.
type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"`
	EvictThreshold int           `mapstructure:"evict_threshold"`
	MaxUses        int           `mapstructure:"max_uses"`
}

// ToPool converts to the pool package config.
func (c PoolConfig) ToPool() pool.Config {
	return pool.Config{
		Size:           c.Size,
		AcquireTimeout: c.AcquireTimeout,
		ExtractTimeout: c.ExtractTimeout,
		EvictThreshold: c.EvictThreshold,
		MaxUses:        c.MaxUses,
	}
}

// PipelineConfig governs orchestration: caching, fetch deadlines, retries.
type PipelineConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CacheMode        string        `mapstructure:"cache_mode"`
	CacheCapacity    int           `mapstructure:"cache_capacity"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// ToPipeline converts to the pipeline package config.
func (c PipelineConfig) ToPipeline() pipeline.Config {
	return pipeline.Config{
		CacheTTL:         c.CacheTTL,
		CacheMode:        c.CacheMode,
		FetchTimeout:     c.FetchTimeout,
		BatchConcurrency: c.BatchConcurrency,
	}
}

// ToRetry converts to a pipeline retry policy.
func (c PipelineConfig) ToRetry() *pipeline.RetryPolicy {
	policy := pipeline.NewRetryPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.RetryBaseDelay > 0 {
		policy.BaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		policy.MaxDelay = c.RetryMaxDelay
	}
	return policy
}

// FetchConfig governs the static fetcher.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
}

// ToColly converts to the colly fetcher config.
func (c FetchConfig) ToColly() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent:     c.UserAgent,
		RespectRobots: c.RespectRobots,
		Timeout:       c.Timeout,
		MaxBodySize:   c.MaxBodySize,
	}
}

// HeadlessConfig governs the chromedp renderer.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// ToHeadless converts to the headless fetcher config.
func (c HeadlessConfig) ToHeadless() headless.Config {
	return headless.Config{
		MaxParallel:       c.MaxParallel,
		UserAgent:         c.UserAgent,
		NavigationTimeout: c.NavigationTimeout,
		SettleDelay:       c.SettleDelay,
	}
}

// SpillConfig governs the badger-backed frontier spillover.
type SpillConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// StorageConfig selects and parameterizes the blob archive backend.
type StorageConfig struct {
	// Backend is one of "gcs", "local", or "memory".
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment. Environment variables use the
// RIPTIDE_ prefix with underscores for nesting (RIPTIDE_SERVER_ADDR).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RIPTIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("server.max_batch_urls", 100)
	v.SetDefault("frontier.max_resident", 10000)
	v.SetDefault("frontier.per_host_in_flight", 2)
	v.SetDefault("frontier.entry_ttl", "24h")
	v.SetDefault("frontier.host_idle_ttl", "1h")
	v.SetDefault("budget.mode", "soft")
	v.SetDefault("budget.warn_threshold", 0.8)
	v.SetDefault("budget.host_rps", 1.0)
	v.SetDefault("budget.host_burst", 2)
	v.SetDefault("gate.hi_threshold", 0.7)
	v.SetDefault("gate.lo_threshold", 0.3)
	v.SetDefault("pool.size", 8)
	v.SetDefault("pool.acquire_timeout", "5s")
	v.SetDefault("pool.extract_timeout", "30s")
	v.SetDefault("pipeline.cache_ttl", "1h")
	v.SetDefault("pipeline.cache_mode", "default")
	v.SetDefault("pipeline.cache_capacity", 4096)
	v.SetDefault("pipeline.fetch_timeout", "30s")
	v.SetDefault("pipeline.batch_concurrency", 8)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_retries", 2)
	v.SetDefault("crawl.follow_links", true)
	v.SetDefault("fetch.user_agent", "riptide/1.0 (+https://github.com/foofork/riptide)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "25s")
	v.SetDefault("spill.enabled", false)
	v.SetDefault("spill.dir", "/var/lib/riptide/spill")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("sink.topic", "riptide.results")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if _, err := c.Budget.ToBudget(); err != nil {
		return err
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir required for local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket required for gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Spill.Enabled && c.Spill.Dir == "" {
		return fmt.Errorf("spill.dir required when spillover is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id required when pubsub is enabled")
	}
	return nil
}
