package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/djlord-it/pixlewatch/internal/objectstore"
)

// Storage backends.
const (
	StorageFS     = objectstore.BackendFS
	StorageAzBlob = objectstore.BackendAzBlob
)

const defaultLeaderLockKey int64 = 728379

// Config holds all configuration for the pixlewatch service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	// DBMigrate applies embedded schema migrations at startup.
	DBMigrate bool `json:"db_migrate"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`
	EventBusBufferSize        int           `json:"eventbus_buffer_size"`

	// RunTimeout bounds one whole run across all of its locales.
	RunTimeout    time.Duration `json:"-"`
	RunTimeoutStr string        `json:"run_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// LeaderElectionEnabled restricts timer firing to the instance holding
	// the advisory lock LeaderLockKey.
	LeaderElectionEnabled      bool          `json:"leader_election_enabled"`
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// CircuitBreakerThreshold: 0 disables the per-URL capture breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	StorageBackend        string `json:"storage_backend"`
	StorageDir            string `json:"storage_dir"`
	AzureConnectionString string `json:"azure_storage_connection_string,omitempty"`
	AzureContainer        string `json:"azure_storage_container_name"`

	// ChromeURL points at a running browser's DevTools endpoint. Empty launches a local browser.
	ChromeURL            string        `json:"chrome_url,omitempty"`
	NavigationTimeout    time.Duration `json:"-"`
	NavigationTimeoutStr string        `json:"navigation_timeout"`

	// DiffPixelThreshold is the per-pixel color distance in [0,1] below which pixels match.
	DiffPixelThreshold float64 `json:"diff_pixel_threshold"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// RunNowRate is the sustained manual-trigger rate per second across all schedules.
	RunNowRate  float64 `json:"run_now_rate"`
	RunNowBurst int     `json:"run_now_burst"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		DBMigrate:                  os.Getenv("DB_MIGRATE") == "true",
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr:  os.Getenv("DISPATCHER_DRAIN_TIMEOUT"),
		RunTimeoutStr:              os.Getenv("RUN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		MetricsPort:                os.Getenv("METRICS_PORT"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:       os.Getenv("RECONCILE_INTERVAL"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		LeaderElectionEnabled:      os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
		StorageBackend:             os.Getenv("STORAGE_BACKEND"),
		StorageDir:                 os.Getenv("STORAGE_DIR"),
		AzureConnectionString:      os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		AzureContainer:             os.Getenv("AZURE_STORAGE_CONTAINER_NAME"),
		ChromeURL:                  os.Getenv("CHROME_URL"),
		NavigationTimeoutStr:       os.Getenv("NAVIGATION_TIMEOUT"),
		AnalyticsRetentionStr:      os.Getenv("ANALYTICS_RETENTION"),
	}

	cfg.EventBusBufferSize = positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.DispatcherWorkers = positiveInt("DISPATCHER_WORKERS", 1)
	cfg.DBMaxOpenConns = positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.RunNowBurst = positiveInt("RUN_NOW_BURST", 5)

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, breaker disabled", cbThreshStr)
		}
	}

	cfg.DiffPixelThreshold = 0.1
	if s := os.Getenv("DIFF_PIXEL_THRESHOLD"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.DiffPixelThreshold = f
		} else {
			log.Printf("config: invalid DIFF_PIXEL_THRESHOLD %q, using default 0.1", s)
		}
	}

	cfg.LeaderLockKey = defaultLeaderLockKey
	if s := os.Getenv("LEADER_LOCK_KEY"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			cfg.LeaderLockKey = n
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q, using default %d", s, defaultLeaderLockKey)
		}
	}

	cfg.RunNowRate = 1
	if s := os.Getenv("RUN_NOW_RATE"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.RunNowRate = f
		} else {
			log.Printf("config: invalid RUN_NOW_RATE %q, using default 1", s)
		}
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DispatcherDrainTimeoutStr == "" {
		cfg.DispatcherDrainTimeoutStr = "30s"
	}
	if cfg.RunTimeoutStr == "" {
		cfg.RunTimeoutStr = "30m"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageFS
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "./data/images"
	}
	if cfg.AzureContainer == "" {
		cfg.AzureContainer = "screenshots"
	}
	if cfg.NavigationTimeoutStr == "" {
		cfg.NavigationTimeoutStr = "30s"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "2160h"
	}

	// Parse durations; validation is handled separately by Validate().
	cfg.DBOpTimeout = parseDuration(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)
	cfg.DispatcherDrainTimeout = parseDuration(cfg.DispatcherDrainTimeoutStr)
	cfg.RunTimeout = parseDuration(cfg.RunTimeoutStr)
	cfg.ReconcileInterval = parseDuration(cfg.ReconcileIntervalStr)
	cfg.CircuitBreakerCooldown = parseDuration(cfg.CircuitBreakerCooldownStr)
	cfg.LeaderRetryInterval = parseDuration(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parseDuration(cfg.LeaderHeartbeatIntervalStr)
	cfg.NavigationTimeout = parseDuration(cfg.NavigationTimeoutStr)
	cfg.AnalyticsRetention = parseDuration(cfg.AnalyticsRetentionStr)

	return cfg
}

// positiveInt reads a positive integer variable, falling back to def when unset or invalid.
func positiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	if n, err := parseInt(s); err == nil && n > 0 {
		return n
	}
	log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
	return def
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// parseInt parses a string of decimal digits as a non-negative integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.AzureConnectionString = maskSecret(c.AzureConnectionString)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
