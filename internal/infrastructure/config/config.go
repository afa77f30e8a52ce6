package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Scheduler SchedulerConfig
	Goal      GoalConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings.
// An empty Host disables Redis and leases stay in-process.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
	// RequireRedis refuses to start with in-memory leases
	RequireRedis bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
}

// CronParser reads the job schedules: five standard fields or a descriptor
// such as @hourly or @every 30m. The scheduler registers jobs with the same parser.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SchedulerConfig holds the goal job schedules
type SchedulerConfig struct {
	Enabled bool
	// SweepCron is the recalculation sweep schedule, hourly by default
	SweepCron string
	// SnapshotCron is the daily snapshot schedule, midnight by default
	SnapshotCron string
	JobTimeout   time.Duration
	JobLockTTL   time.Duration
	SweepWorkers int
}

// GoalConfig holds recalculation engine settings
type GoalConfig struct {
	LeaseTTL  time.Duration
	LeaseWait time.Duration
	// SignificanceThreshold is the percentage-point change that triggers a snapshot
	SignificanceThreshold float64
	SourceTimeout         time.Duration
	TeamCacheSize         int
	TeamCacheTTL          time.Duration
}

// EventsConfig holds the CRM change feed settings
type EventsConfig struct {
	// ChangeFeedEnabled subscribes to CRM record changes on Redis Pub/Sub
	ChangeFeedEnabled bool
	ChangeFeedChannel string
	// DedupTTL is how long a delivered event id is remembered
	DedupTTL time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable tracing
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
	// Metrics
	MetricsEnabled        bool
	MetricsExportInterval time.Duration
	PrometheusEnabled     bool // serve /metrics for scraping
	// Logs
	LogsEnabled bool
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CRM_ prefix (e.g., CRM_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:         v.GetString("redis.host"),
			Port:         v.GetInt("redis.port"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			KeyPrefix:    v.GetString("redis.key_prefix"),
			RequireRedis: v.GetBool("redis.require"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Scheduler: SchedulerConfig{
			Enabled:      v.GetBool("scheduler.enabled"),
			SweepCron:    v.GetString("scheduler.sweep_cron"),
			SnapshotCron: v.GetString("scheduler.snapshot_cron"),
			JobTimeout:   v.GetDuration("scheduler.job_timeout"),
			JobLockTTL:   v.GetDuration("scheduler.job_lock_ttl"),
			SweepWorkers: v.GetInt("scheduler.sweep_workers"),
		},
		Goal: GoalConfig{
			LeaseTTL:              v.GetDuration("goal.lease_ttl"),
			LeaseWait:             v.GetDuration("goal.lease_wait"),
			SignificanceThreshold: v.GetFloat64("goal.significance_threshold"),
			SourceTimeout:         v.GetDuration("goal.source_timeout"),
			TeamCacheSize:         v.GetInt("goal.team_cache_size"),
			TeamCacheTTL:          v.GetDuration("goal.team_cache_ttl"),
		},
		Events: EventsConfig{
			ChangeFeedEnabled: v.GetBool("events.change_feed_enabled"),
			ChangeFeedChannel: v.GetString("events.change_feed_channel"),
			DedupTTL:          v.GetDuration("events.dedup_ttl"),
		},
		Telemetry: TelemetryConfig{
			Enabled:               v.GetBool("telemetry.enabled"),
			CollectorEndpoint:     v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:         v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:           v.GetString("telemetry.service_name"),
			Insecure:              v.GetBool("telemetry.insecure"),
			MetricsEnabled:        v.GetBool("telemetry.metrics_enabled"),
			MetricsExportInterval: v.GetDuration("telemetry.metrics_export_interval"),
			PrometheusEnabled:     v.GetBool("telemetry.prometheus_enabled"),
			LogsEnabled:           v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:        v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:          v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh:     v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	// Scheduler runs unless explicitly disabled
	if !v.IsSet("scheduler.enabled") {
		cfg.Scheduler.Enabled = true
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crm-goal-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "crm"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "crm:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.Scheduler.SweepCron == "" {
		cfg.Scheduler.SweepCron = "0 * * * *"
	}
	if cfg.Scheduler.SnapshotCron == "" {
		cfg.Scheduler.SnapshotCron = "0 0 * * *"
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 30 * time.Minute
	}
	if cfg.Scheduler.JobLockTTL == 0 {
		cfg.Scheduler.JobLockTTL = cfg.Scheduler.JobTimeout + time.Minute
	}
	if cfg.Scheduler.SweepWorkers == 0 {
		cfg.Scheduler.SweepWorkers = 4
	}
	if cfg.Goal.LeaseTTL == 0 {
		cfg.Goal.LeaseTTL = 30 * time.Second
	}
	if cfg.Goal.LeaseWait == 0 {
		cfg.Goal.LeaseWait = 5 * time.Second
	}
	if cfg.Goal.SignificanceThreshold == 0 {
		cfg.Goal.SignificanceThreshold = 1.0
	}
	if cfg.Goal.SourceTimeout == 0 {
		cfg.Goal.SourceTimeout = 10 * time.Second
	}
	if cfg.Goal.TeamCacheSize == 0 {
		cfg.Goal.TeamCacheSize = 4096
	}
	if cfg.Goal.TeamCacheTTL == 0 {
		cfg.Goal.TeamCacheTTL = 5 * time.Minute
	}
	if cfg.Events.ChangeFeedChannel == "" {
		cfg.Events.ChangeFeedChannel = "crm:entity-changed"
	}
	if cfg.Events.DedupTTL == 0 {
		cfg.Events.DedupTTL = 10 * time.Minute
	}

	// Telemetry defaults
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsExportInterval == 0 {
		cfg.Telemetry.MetricsExportInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if _, err := CronParser.Parse(c.Scheduler.SweepCron); err != nil {
		return fmt.Errorf("scheduler.sweep_cron is invalid: %w", err)
	}
	if _, err := CronParser.Parse(c.Scheduler.SnapshotCron); err != nil {
		return fmt.Errorf("scheduler.snapshot_cron is invalid: %w", err)
	}
	if c.Scheduler.SweepWorkers < 0 {
		return fmt.Errorf("scheduler.sweep_workers cannot be negative")
	}
	if c.Scheduler.JobLockTTL < c.Scheduler.JobTimeout {
		return fmt.Errorf("scheduler.job_lock_ttl (%s) must cover scheduler.job_timeout (%s)",
			c.Scheduler.JobLockTTL, c.Scheduler.JobTimeout)
	}

	if c.Goal.LeaseWait < 0 || c.Goal.LeaseTTL < 0 {
		return fmt.Errorf("goal lease durations cannot be negative")
	}
	if c.Goal.LeaseTTL <= c.Goal.SourceTimeout {
		return fmt.Errorf("goal.lease_ttl (%s) must exceed goal.source_timeout (%s)",
			c.Goal.LeaseTTL, c.Goal.SourceTimeout)
	}
	if c.Events.ChangeFeedEnabled && c.Redis.Host == "" {
		return fmt.Errorf("events.change_feed_enabled requires redis.host")
	}
	if c.Goal.SignificanceThreshold < 0 {
		return fmt.Errorf("goal.significance_threshold cannot be negative")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
