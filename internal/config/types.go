package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); Resolve turns it into component configs.
//
// Optional sections are pointers so "omitted" can be told apart from zero values.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Breaker   BreakerConfig   `json:"breaker"`
	AutoHeal  AutoHealConfig  `json:"auto_heal"`

	// Jobs maps job name to its overrides. The "default" entry overrides the
	// built-in defaults every other job falls back to.
	Jobs map[string]JobConfig `json:"jobs,omitempty"`

	Background *BackgroundConfig `json:"background,omitempty"`
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Redis      *RedisConfig      `json:"redis,omitempty"`
	Leader     *LeaderConfig     `json:"leader,omitempty"`
	Relay      *RelayConfig      `json:"relay,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Telegram   TelegramConfig    `json:"telegram"`
	Ops        OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // "console" | "json"
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the watchdog tick.
//
// Defaults: tick "1m", shutdown_grace "30s", timezone local.
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key keeps the tick on.
	Enabled       *bool  `json:"enabled,omitempty"`
	Tick          string `json:"tick,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

type AutoHealConfig struct {
	Threshold float64  `json:"threshold,omitempty"`
	Cooldown  string   `json:"cooldown,omitempty"`
	Jobs      []string `json:"jobs,omitempty"`
}

// JobConfig overrides one job. Nil/empty fields fall back to the default entry.
//
// A job that is not built in must declare a body: command, url or unit (a systemd unit,
// usually Type=oneshot).
type JobConfig struct {
	Timeout           string   `json:"timeout,omitempty"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
	RetryDelay        string   `json:"retry_delay,omitempty"`
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty"`
	Schedule          *string  `json:"schedule,omitempty"`

	Unit    string            `json:"unit,omitempty"`
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     []string          `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// BackgroundConfig controls the fire-and-forget worker (last-run and breadcrumb writes).
//
// Defaults: workers 2, queue_size 256, default_timeout "10s", retry_max 2.
type BackgroundConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
}

// RateLimitConfig limits mutating ops calls per caller. Omitted kinds keep their defaults;
// an "every" of "0s" disables that kind.
type RateLimitConfig struct {
	Trigger *LimitConfig `json:"trigger,omitempty"`
	Reset   *LimitConfig `json:"reset,omitempty"`
	Config  *LimitConfig `json:"config,omitempty"`
	Pause   *LimitConfig `json:"pause,omitempty"`
	IdleTTL string       `json:"idle_ttl,omitempty"`
}

type LimitConfig struct {
	Every string `json:"every"`
	Burst int    `json:"burst"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/opscron.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	DSN           string `json:"dsn,omitempty"`          // postgres; never logged
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	GuardFailures int    `json:"guard_failures,omitempty"`
	GuardCooldown string `json:"guard_cooldown,omitempty"`
}

// RedisConfig is shared by the redis leader elector and the event relay.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type LeaderConfig struct {
	Driver     string `json:"driver"` // "none" | "redis" | "postgres"
	Key        string `json:"key,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	Renew      string `json:"renew,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	// DSN for the postgres driver; defaults to storage.dsn.
	DSN string `json:"dsn,omitempty"`
}

type RelayConfig struct {
	Enabled bool     `json:"enabled"`
	Channel string   `json:"channel,omitempty"`
	Buffer  int      `json:"buffer,omitempty"`
	Types   []string `json:"types,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// NotifierConfig controls the alert pipeline. Alerts go to telegram.chat_id.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	APIURL    string `json:"api_url,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// OpsConfig controls the ops HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - Token, when set, is required as a bearer token on /ops routes (never logged).
type OpsConfig struct {
	Addr         string `json:"addr,omitempty"`
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
