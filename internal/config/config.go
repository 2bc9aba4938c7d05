package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string
	// BootstrapKey is an optional "key_id.secret" pair inserted at startup
	// so a fresh install has one usable credential.
	BootstrapKey string
}

// DispatchConfig holds dispatcher loop settings.
type DispatchConfig struct {
	TickInterval time.Duration
	Workers      int
	ClaimBatch   int
	// ClaimTTL is the visibility window after which a stale claim is
	// released back for other dispatchers.
	ClaimTTL time.Duration
	// MissedAfter marks how far past its due time a task may still be
	// dispatched before it is recorded as missed instead.
	MissedAfter  time.Duration
	MaxBodyBytes int
}

// RetryConfig holds the backoff policy knobs.
type RetryConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// MonitorConfig holds heartbeat engine settings.
type MonitorConfig struct {
	SweepInterval time.Duration
}

// RateLimitConfig holds the dual-window limiter thresholds.
type RateLimitConfig struct {
	ShortWindow time.Duration
	ShortLimit  int
	LongWindow  time.Duration
	LongLimit   int
}

// ResilienceConfig holds degraded-mode settings.
type ResilienceConfig struct {
	RefreshInterval time.Duration
	JournalPath     string
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	WebhookURL string
	RatePerSec int
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server     ServerConfig
	Dispatch   DispatchConfig
	Retry      RetryConfig
	Monitor    MonitorConfig
	RateLimit  RateLimitConfig
	Resilience ResilienceConfig
	Notify     NotifyConfig

	StateDir             string
	LogLevel             string
	LogConsole           bool
	IdempotencyRetention time.Duration
	ShutdownGrace        time.Duration
}

const (
	defaultAddr          = "0.0.0.0:8080"
	defaultLogLevel      = "info"
	defaultTick          = 1 * time.Second
	defaultWorkers       = 16
	defaultClaimBatch    = 32
	defaultClaimTTL      = 5 * time.Minute
	defaultMissedAfter   = 5 * time.Minute
	defaultMaxBody       = 4096
	defaultRetryBase     = 10 * time.Second
	defaultRetryCap      = 10 * time.Minute
	defaultSweep         = 30 * time.Second
	defaultShortWindow   = 60 * time.Second
	defaultShortLimit    = 60
	defaultLongWindow    = time.Hour
	defaultLongLimit     = 1000
	defaultRefresh       = 30 * time.Second
	defaultRetention     = 24 * time.Hour
	defaultShutdownGrace = 10 * time.Second
	defaultNotifyRate    = 5
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from CLI flags and environment variables.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "hookbeat", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnvString("HOOKBEAT_ADDR", defaultAddr),
			BootstrapKey: getEnvString("HOOKBEAT_BOOTSTRAP_KEY", ""),
		},
		Dispatch: DispatchConfig{
			TickInterval: getEnvDuration("HOOKBEAT_TICK_INTERVAL", defaultTick),
			Workers:      getEnvInt("HOOKBEAT_WORKERS", defaultWorkers),
			ClaimBatch:   getEnvInt("HOOKBEAT_CLAIM_BATCH", defaultClaimBatch),
			ClaimTTL:     getEnvDuration("HOOKBEAT_CLAIM_TTL", defaultClaimTTL),
			MissedAfter:  getEnvDuration("HOOKBEAT_MISSED_AFTER", defaultMissedAfter),
			MaxBodyBytes: getEnvInt("HOOKBEAT_MAX_BODY_BYTES", defaultMaxBody),
		},
		Retry: RetryConfig{
			Base:   getEnvDuration("HOOKBEAT_RETRY_BASE", defaultRetryBase),
			Cap:    getEnvDuration("HOOKBEAT_RETRY_CAP", defaultRetryCap),
			Jitter: getEnvBool("HOOKBEAT_RETRY_JITTER", false),
		},
		Monitor: MonitorConfig{
			SweepInterval: getEnvDuration("HOOKBEAT_SWEEP_INTERVAL", defaultSweep),
		},
		RateLimit: RateLimitConfig{
			ShortWindow: getEnvDuration("HOOKBEAT_RATE_SHORT_WINDOW", defaultShortWindow),
			ShortLimit:  getEnvInt("HOOKBEAT_RATE_SHORT_LIMIT", defaultShortLimit),
			LongWindow:  getEnvDuration("HOOKBEAT_RATE_LONG_WINDOW", defaultLongWindow),
			LongLimit:   getEnvInt("HOOKBEAT_RATE_LONG_LIMIT", defaultLongLimit),
		},
		Resilience: ResilienceConfig{
			RefreshInterval: getEnvDuration("HOOKBEAT_CACHE_REFRESH", defaultRefresh),
			JournalPath:     getEnvString("HOOKBEAT_JOURNAL_PATH", ""),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnvString("HOOKBEAT_NOTIFY_URL", ""),
			RatePerSec: getEnvInt("HOOKBEAT_NOTIFY_RATE", defaultNotifyRate),
		},
		StateDir:             getEnvString("HOOKBEAT_STATE_DIR", ""),
		LogLevel:             getEnvString("HOOKBEAT_LOG_LEVEL", defaultLogLevel),
		LogConsole:           getEnvBool("HOOKBEAT_LOG_CONSOLE", false),
		IdempotencyRetention: getEnvDuration("HOOKBEAT_IDEMPOTENCY_RETENTION", defaultRetention),
		ShutdownGrace:        getEnvDuration("HOOKBEAT_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir string
	var workers int
	var tick, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for database and degraded-mode journal")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&workers, "workers", 0, "Dispatcher worker pool size")
	flag.DurationVar(&tick, "tick", 0, "Dispatcher poll interval")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if workers > 0 {
		cfg.Dispatch.Workers = workers
	}
	if tick > 0 {
		cfg.Dispatch.TickInterval = tick
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Resilience.JournalPath == "" {
		cfg.Resilience.JournalPath = filepath.Join(cfg.StateDir, "journal.jsonl")
	}
	if cfg.Dispatch.Workers < 1 {
		cfg.Dispatch.Workers = defaultWorkers
	}
	if cfg.Dispatch.ClaimBatch < 1 {
		cfg.Dispatch.ClaimBatch = defaultClaimBatch
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "hookbeat")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
