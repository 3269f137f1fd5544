// Copyright 2025 James Ross
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the broker's connection to the ready/active/delayed/failed
// sets (C2).
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Store configures the durable relational store (C1).
type Store struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSL             string        `mapstructure:"ssl"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DSN renders a postgres:// URL accepted both by lib/pq's sql.Open and by
// golang-migrate's postgres driver.
func (s Store) DSN() string {
	ssl := s.SSL
	if ssl == "" {
		ssl = "disable"
	}
	userinfo := url.User(s.User)
	if s.Password != "" {
		userinfo = url.UserPassword(s.User, s.Password)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     userinfo,
		Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:     "/" + s.Name,
		RawQuery: "sslmode=" + ssl,
	}
	return u.String()
}

// QueueType is the per-type tuning described by spec.md §3's QueueConfig and
// the `{TYPE}_*` environment overrides in spec.md §6.
type QueueType struct {
	Name          string        `mapstructure:"-"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Backoff       string        `mapstructure:"backoff"` // "fixed" | "exponential"
	KeepCompleted int           `mapstructure:"keep_completed"`
	KeepFailed    int           `mapstructure:"keep_failed"`
	Timeout       time.Duration `mapstructure:"timeout"` // 0 = no per-handler timeout
}

// Worker holds the dispatcher's tunables (C3). Pool sizing is per queue type;
// the rest is shared across every queue.
type Worker struct {
	Queues               map[string]QueueType `mapstructure:"queues"`
	ReadyKeyPattern      string               `mapstructure:"ready_key_pattern"`
	ActiveKeyPattern     string               `mapstructure:"active_key_pattern"`
	DelayedKeyPattern    string               `mapstructure:"delayed_key_pattern"`
	FailedKeyPattern     string               `mapstructure:"failed_key_pattern"`
	PausedKeyPattern     string               `mapstructure:"paused_key_pattern"`
	SeqKeyPattern        string               `mapstructure:"seq_key_pattern"`
	PromoteInterval      time.Duration        `mapstructure:"promote_interval"`
	ClaimPollInterval    time.Duration        `mapstructure:"claim_poll_interval"`
	StaleActiveThreshold time.Duration        `mapstructure:"stale_active_threshold"`
	RetentionInterval    time.Duration        `mapstructure:"retention_interval"`
	ShutdownGracePeriod  time.Duration        `mapstructure:"shutdown_grace_period"`
	RetryMaxBackoff      time.Duration        `mapstructure:"retry_max_backoff"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// ControlAPI configures the HTTP control surface (C8).
type ControlAPI struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	DevelopmentMode    bool          `mapstructure:"development_mode"`
	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	AuditEnabled       bool          `mapstructure:"audit_enabled"`
	AuditLogPath       string        `mapstructure:"audit_log_path"`
	AuditMaxSizeMB     int           `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups    int           `mapstructure:"audit_max_backups"`
	ConfirmationPhrase string        `mapstructure:"confirmation_phrase"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Store          Store          `mapstructure:"store"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	ControlAPI     ControlAPI     `mapstructure:"control_api"`
}

// DefaultQueueTypes is the fixed closed set named in spec.md §3, open to
// extension by adding entries under worker.queues in config.
var DefaultQueueTypes = []string{"email", "image", "file", "export", "api", "cleanup"}

func defaultConfig() *Config {
	queues := make(map[string]QueueType, len(DefaultQueueTypes))
	for _, name := range DefaultQueueTypes {
		queues[name] = QueueType{
			Name:          name,
			Concurrency:   4,
			MaxRetries:    3,
			RetryDelay:    500 * time.Millisecond,
			Backoff:       "exponential",
			KeepCompleted: 1000,
			KeepFailed:    1000,
		}
	}

	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Store: Store{
			Host:            "localhost",
			Port:            5432,
			Name:            "queue_processor",
			User:            "queue_processor",
			SSL:             "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsPath:  "internal/store/migrations",
		},
		Worker: Worker{
			Queues:               queues,
			ReadyKeyPattern:      "queue:%s:ready",
			ActiveKeyPattern:     "queue:%s:active",
			DelayedKeyPattern:    "queue:%s:delayed",
			FailedKeyPattern:     "queue:%s:failed",
			PausedKeyPattern:     "queue:%s:paused",
			SeqKeyPattern:        "queue:%s:seq",
			PromoteInterval:      200 * time.Millisecond,
			ClaimPollInterval:    100 * time.Millisecond,
			StaleActiveThreshold: 60 * time.Second,
			RetentionInterval:    5 * time.Minute,
			ShutdownGracePeriod:  30 * time.Second,
			RetryMaxBackoff:      10 * time.Minute,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
		ControlAPI: ControlAPI{
			ListenAddr:         ":3000",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RateLimitEnabled:   true,
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			AuditEnabled:       true,
			AuditLogPath:       "logs/audit.log",
			AuditMaxSizeMB:     100,
			AuditMaxBackups:    10,
			ConfirmationPhrase: "CONFIRM_DELETE",
		},
	}
}

// Load reads configuration from a YAML file and applies env overrides,
// including the spec.md §6 `{TYPE}_*` per-queue-type variables that don't fit
// viper's dotted-key replacement scheme.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Worker.Queues == nil {
		cfg.Worker.Queues = def.Worker.Queues
	}
	for name, qt := range cfg.Worker.Queues {
		qt.Name = name
		applyQueueTypeEnv(name, &qt)
		cfg.Worker.Queues[name] = qt
	}

	applyTopLevelEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("store.host", def.Store.Host)
	v.SetDefault("store.port", def.Store.Port)
	v.SetDefault("store.name", def.Store.Name)
	v.SetDefault("store.user", def.Store.User)
	v.SetDefault("store.password", def.Store.Password)
	v.SetDefault("store.ssl", def.Store.SSL)
	v.SetDefault("store.max_open_conns", def.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", def.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", def.Store.ConnMaxLifetime)
	v.SetDefault("store.migrations_path", def.Store.MigrationsPath)

	v.SetDefault("worker.queues", toMapstructureMap(def.Worker.Queues))
	v.SetDefault("worker.ready_key_pattern", def.Worker.ReadyKeyPattern)
	v.SetDefault("worker.active_key_pattern", def.Worker.ActiveKeyPattern)
	v.SetDefault("worker.delayed_key_pattern", def.Worker.DelayedKeyPattern)
	v.SetDefault("worker.failed_key_pattern", def.Worker.FailedKeyPattern)
	v.SetDefault("worker.paused_key_pattern", def.Worker.PausedKeyPattern)
	v.SetDefault("worker.seq_key_pattern", def.Worker.SeqKeyPattern)
	v.SetDefault("worker.promote_interval", def.Worker.PromoteInterval)
	v.SetDefault("worker.claim_poll_interval", def.Worker.ClaimPollInterval)
	v.SetDefault("worker.stale_active_threshold", def.Worker.StaleActiveThreshold)
	v.SetDefault("worker.retention_interval", def.Worker.RetentionInterval)
	v.SetDefault("worker.shutdown_grace_period", def.Worker.ShutdownGracePeriod)
	v.SetDefault("worker.retry_max_backoff", def.Worker.RetryMaxBackoff)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("control_api.listen_addr", def.ControlAPI.ListenAddr)
	v.SetDefault("control_api.read_timeout", def.ControlAPI.ReadTimeout)
	v.SetDefault("control_api.write_timeout", def.ControlAPI.WriteTimeout)
	v.SetDefault("control_api.shutdown_timeout", def.ControlAPI.ShutdownTimeout)
	v.SetDefault("control_api.rate_limit_enabled", def.ControlAPI.RateLimitEnabled)
	v.SetDefault("control_api.rate_limit_per_second", def.ControlAPI.RateLimitPerSecond)
	v.SetDefault("control_api.rate_limit_burst", def.ControlAPI.RateLimitBurst)
	v.SetDefault("control_api.audit_enabled", def.ControlAPI.AuditEnabled)
	v.SetDefault("control_api.audit_log_path", def.ControlAPI.AuditLogPath)
	v.SetDefault("control_api.audit_max_size_mb", def.ControlAPI.AuditMaxSizeMB)
	v.SetDefault("control_api.audit_max_backups", def.ControlAPI.AuditMaxBackups)
	v.SetDefault("control_api.confirmation_phrase", def.ControlAPI.ConfirmationPhrase)
}

func toMapstructureMap(qs map[string]QueueType) map[string]interface{} {
	out := make(map[string]interface{}, len(qs))
	for name, qt := range qs {
		out[name] = map[string]interface{}{
			"concurrency":    qt.Concurrency,
			"max_retries":    qt.MaxRetries,
			"retry_delay":    qt.RetryDelay,
			"backoff":        qt.Backoff,
			"keep_completed": qt.KeepCompleted,
			"keep_failed":    qt.KeepFailed,
			"timeout":        qt.Timeout,
		}
	}
	return out
}

// applyQueueTypeEnv reads the `{TYPE}_CONCURRENCY`, `{TYPE}_MAX_RETRIES`,
// `{TYPE}_RETRY_DELAY`, `{TYPE}_BACKOFF`, `{TYPE}_KEEP_COMPLETED`,
// `{TYPE}_KEEP_FAILED` environment overrides named in spec.md §6.
func applyQueueTypeEnv(name string, qt *QueueType) {
	prefix := strings.ToUpper(name) + "_"
	if v := os.Getenv(prefix + "CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qt.Concurrency = n
		}
	}
	if v := os.Getenv(prefix + "MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qt.MaxRetries = n
		}
	}
	if v := os.Getenv(prefix + "RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qt.RetryDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv(prefix + "BACKOFF"); v != "" {
		qt.Backoff = v
	}
	if v := os.Getenv(prefix + "KEEP_COMPLETED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qt.KeepCompleted = n
		}
	}
	if v := os.Getenv(prefix + "KEEP_FAILED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qt.KeepFailed = n
		}
	}
}

// applyTopLevelEnv applies the PORT/LOG_LEVEL/DB_*/REDIS_* overrides named in
// spec.md §6 that don't follow viper's nested-key naming.
func applyTopLevelEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.ControlAPI.ListenAddr = ":" + v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.ControlAPI.DevelopmentMode = v == "development"
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.Port = n
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Store.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Store.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("DB_SSL"); v != "" {
		cfg.Store.SSL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		port := "6379"
		if parts := strings.SplitN(cfg.Redis.Addr, ":", 2); len(parts) == 2 {
			port = parts[1]
		}
		cfg.Redis.Addr = v + ":" + port
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		host := "localhost"
		if parts := strings.SplitN(cfg.Redis.Addr, ":", 2); len(parts) == 2 {
			host = parts[0]
		}
		cfg.Redis.Addr = host + ":" + v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Worker.Queues) == 0 {
		return fmt.Errorf("worker.queues must be non-empty")
	}
	for name, qt := range cfg.Worker.Queues {
		if qt.Concurrency < 1 {
			return fmt.Errorf("queue %q: concurrency must be >= 1", name)
		}
		if qt.MaxRetries < 0 {
			return fmt.Errorf("queue %q: max_retries must be >= 0", name)
		}
		if qt.Backoff != "fixed" && qt.Backoff != "exponential" {
			return fmt.Errorf("queue %q: backoff must be fixed or exponential, got %q", name, qt.Backoff)
		}
		if qt.KeepCompleted < 0 || qt.KeepFailed < 0 {
			return fmt.Errorf("queue %q: keep_completed/keep_failed must be >= 0", name)
		}
	}
	if cfg.Worker.PromoteInterval <= 0 || cfg.Worker.PromoteInterval > 200*time.Millisecond {
		return fmt.Errorf("worker.promote_interval must be >0 and <= 200ms")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Worker.RetryMaxBackoff <= 0 {
		return fmt.Errorf("worker.retry_max_backoff must be > 0")
	}
	return nil
}
