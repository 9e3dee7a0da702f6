// Package config loads harvester configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for all harvester processes.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Guard       GuardConfig       `mapstructure:"guard"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Producer    ProducerConfig    `mapstructure:"producer"`
	API         APIConfig         `mapstructure:"api"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	// WorkerID is the base identity; a per-process suffix is appended at startup.
	WorkerID    string `mapstructure:"worker_id"`
	ProxiesFile string `mapstructure:"proxies_file"`
	Environment string `mapstructure:"environment"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RedisConfig holds shared key-value store settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	// DB is the default database for coordination keys.
	DB int `mapstructure:"db"`
	// SessionDB holds proxy session-cookie blobs.
	SessionDB int `mapstructure:"session_db"`
	// GuardDB keeps per-item locks away from other keyspaces.
	GuardDB int `mapstructure:"guard_db"`
	// ControllerDB holds per-proxy delays and heartbeats.
	ControllerDB int `mapstructure:"controller_db"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// QueueConfig holds work-queue settings.
type QueueConfig struct {
	// Prefix namespaces all stream and dedup keys.
	Prefix string `mapstructure:"prefix"`
	// MaxDepth is the backpressure limit: the producer refuses to enqueue
	// past this many in-flight jobs and retries after EnqueueRetryDelay.
	MaxDepth          int64         `mapstructure:"max_depth"`
	EnqueueRetryDelay time.Duration `mapstructure:"enqueue_retry_delay"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	ClaimMinIdle      time.Duration `mapstructure:"claim_min_idle"`
}

// WorkerConfig holds worker-pool settings.
type WorkerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// MaxAttempts bounds per-item retries before the item is abandoned.
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// BatchConfig holds batch commit engine settings.
type BatchConfig struct {
	// Size triggers an immediate flush once this many items are pending.
	Size int `mapstructure:"size"`
	// Debounce is how long a partially filled batch waits before flushing.
	Debounce time.Duration `mapstructure:"debounce"`
	// FlushTimeout bounds a whole flush, including the per-item degrade path.
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// CacheConfig holds duplicate cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
	SetKey  string `mapstructure:"set_key"`
	LockKey string `mapstructure:"lock_key"`
	DoneKey string `mapstructure:"done_key"`
	// LockTTL bounds how long the bootstrap leader may hold the lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// DoneTTL is how long the bootstrap-done sentinel stays visible.
	DoneTTL time.Duration `mapstructure:"done_ttl"`
	// WaitTimeout bounds how long a non-leader waits before degrading to
	// a file-only load.
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`
}

// GuardConfig holds duplicate guard settings.
type GuardConfig struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// HeartbeatConfig holds worker heartbeat settings.
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// CoordinatorConfig holds processing-marker and stale-task recovery settings.
type CoordinatorConfig struct {
	ProcessingKey string `mapstructure:"processing_key"`
	OwnerKey      string `mapstructure:"owner_key"`
	DedupSetKey   string `mapstructure:"dedup_set_key"`
	// StaleAfter is the wall-clock age past which a processing marker is
	// considered suspect and its owner's heartbeat is checked.
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	ScanSchedule string        `mapstructure:"scan_schedule"`
}

// ThrottleConfig holds per-proxy adaptive delay settings.
type ThrottleConfig struct {
	Default      time.Duration `mapstructure:"default"`
	Step         time.Duration `mapstructure:"step"`
	Floor        time.Duration `mapstructure:"floor"`
	Ceiling      time.Duration `mapstructure:"ceiling"`
	NoProxyDelay time.Duration `mapstructure:"no_proxy_delay"`
}

// CatalogConfig holds catalog pipeline settings.
type CatalogConfig struct {
	// BaseURL is the catalog site root, without a trailing slash.
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// MaxPages caps one scan's pagination walk (0 = package default).
	MaxPages int `mapstructure:"max_pages"`
	// BlockedSellers is an exact-match seller blocklist.
	BlockedSellers []string `mapstructure:"blocked_sellers"`
	// TitleBlocklist words reject a listing title outright.
	TitleBlocklist []string `mapstructure:"title_blocklist"`
	// MaxPrice is the default job price ceiling; only catalog listings
	// strictly below it survive. Zero disables price filtering.
	MaxPrice float64 `mapstructure:"max_price"`
	// MarkupPercent is added to the price-without-delivery when computing
	// the stored item price.
	MarkupPercent float64 `mapstructure:"markup_percent"`
	// ArchiveCycleDistance archives items whose cycle trails the current
	// cycle by more than this many cycles. Independent from
	// Coordinator.StaleAfter on purpose: the two knobs measure different
	// things (cycle distance vs wall-clock age).
	ArchiveCycleDistance int  `mapstructure:"archive_cycle_distance"`
	RecheckTitles        bool `mapstructure:"recheck_titles"`
	UseDuplicateCache    bool `mapstructure:"use_duplicate_cache"`
}

// ProducerConfig holds the task-leasing loop settings.
type ProducerConfig struct {
	// LeaseInterval is how often the backlog is polled for work.
	LeaseInterval time.Duration `mapstructure:"lease_interval"`
	// LeaseLimit caps how many tasks one lease takes.
	LeaseLimit int `mapstructure:"lease_limit"`
	// UseSmartPrice resolves each query's price ceiling from the parts
	// price catalog instead of the static catalog.max_price.
	UseSmartPrice bool `mapstructure:"use_smart_price"`
}

// APIConfig holds the health/stats HTTP surface settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads configuration from the given file (optional), environment
// variables and defaults, in ascending precedence of defaults < file < env.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("harvester")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine: defaults and environment
		// cover everything. An explicitly named file must exist.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.worker_id", "harvester")
	v.SetDefault("app.proxies_file", "proxies.txt")
	v.SetDefault("app.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.session_db", 4)
	v.SetDefault("redis.guard_db", 5)
	v.SetDefault("redis.controller_db", 2)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "harvester")
	v.SetDefault("database.dbname", "harvester")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("queue.prefix", "harvest")
	v.SetDefault("queue.max_depth", 10000)
	v.SetDefault("queue.enqueue_retry_delay", 10*time.Second)
	v.SetDefault("queue.consumer_group", "harvesters")
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.claim_min_idle", 5*time.Minute)

	v.SetDefault("worker.pool_size", 10)
	v.SetDefault("worker.job_timeout", time.Hour)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_delay", time.Second)

	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.debounce", 50*time.Millisecond)
	v.SetDefault("batch.flush_timeout", 5*time.Minute)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.file", "duplicate_cache.txt")
	v.SetDefault("cache.set_key", "duplicate_cache:ids")
	v.SetDefault("cache.lock_key", "duplicate_cache:bootstrap_lock")
	v.SetDefault("cache.done_key", "duplicate_cache:bootstrap_done")
	v.SetDefault("cache.lock_ttl", 5*time.Minute)
	v.SetDefault("cache.done_ttl", 15*time.Minute)
	v.SetDefault("cache.wait_timeout", 5*time.Minute)
	v.SetDefault("cache.wait_interval", 500*time.Millisecond)

	v.SetDefault("guard.prefix", "dup_guard:item:")
	v.SetDefault("guard.ttl", 10*time.Minute)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.ttl", 90*time.Second)

	v.SetDefault("coordinator.processing_key", "harvest:processing")
	v.SetDefault("coordinator.owner_key", "harvest:owners")
	v.SetDefault("coordinator.dedup_set_key", "harvest:dedupe_queries")
	v.SetDefault("coordinator.stale_after", 5*time.Minute)
	v.SetDefault("coordinator.scan_schedule", "@every 1m")

	v.SetDefault("throttle.default", 9125*time.Microsecond)
	v.SetDefault("throttle.step", 1825*time.Microsecond)
	v.SetDefault("throttle.floor", 1825*time.Microsecond)
	v.SetDefault("throttle.ceiling", 37500*time.Microsecond)
	v.SetDefault("throttle.no_proxy_delay", 4562*time.Microsecond)

	v.SetDefault("catalog.base_url", "https://www.ebay.com")
	v.SetDefault("catalog.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.max_pages", 100)
	v.SetDefault("catalog.markup_percent", 6.0)
	v.SetDefault("catalog.archive_cycle_distance", 3)
	v.SetDefault("catalog.recheck_titles", false)
	v.SetDefault("catalog.use_duplicate_cache", true)

	v.SetDefault("producer.lease_interval", 30*time.Second)
	v.SetDefault("producer.lease_limit", 100)
	v.SetDefault("producer.use_smart_price", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.address", ":8090")
}
