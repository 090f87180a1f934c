package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"lsh.app/jobd/common"
	"lsh.app/jobd/core/db"
)

type Config struct {
	Env       string
	Daemon    DaemonConfig
	Scheduler SchedulerConfig
	Store     StoreConfig
	DB        db.Config
	Redis     RedisConfig
	API       APIConfig
	Webhook   WebhookConfig
	Queue     QueueConfig
	OTel      OTelConfig
}

// DaemonConfig holds per-user paths (already expanded) and process
// supervision settings.
type DaemonConfig struct {
	User         string
	SocketPath   string
	PIDPath      string
	LogPath      string
	JobsFile     string
	MaxLogSizeMB int
	StopGrace    time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

type SchedulerConfig struct {
	Legacy        bool
	CheckInterval time.Duration
	// Location is the zone cron expressions are evaluated in.
	Location *time.Location
}

type StoreConfig struct {
	Backend      string
	HistoryLimit int
	RedisPrefix  string
}

type RedisConfig struct {
	URL string
}

type APIConfig struct {
	// Addr is empty when the HTTP API is disabled.
	Addr   string
	APIKey string
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type QueueConfig struct {
	// RedisURL is empty when the stream add-on is disabled.
	RedisURL      string
	CommandStream string
	EventsStream  string
	Group         string
	Consumer      string
	DLQStream     string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type ServiceType string

const (
	ServiceTypeDaemon ServiceType = "daemon"
	ServiceTypeClient ServiceType = "client"
)

// Load loads configuration from environment variables.
// In development, it first loads .env.<service>, falling back to .env.
func Load(serviceType ServiceType) (Config, error) {
	if getEnv("JOBD_ENV", "development") == "development" {
		envFile := fmt.Sprintf(".env.%s", serviceType)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	user := common.UserSlug()
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	runDir := os.TempDir()

	cfg := Config{
		Env: getEnv("JOBD_ENV", "development"),
		Daemon: DaemonConfig{
			User:         user,
			SocketPath:   common.ExpandUser(getEnv("JOBD_SOCKET_TEMPLATE", filepath.Join(runDir, "lsh-jobd-{user}.sock")), user),
			PIDPath:      common.ExpandUser(getEnv("JOBD_PID_TEMPLATE", filepath.Join(runDir, "lsh-jobd-{user}.pid")), user),
			LogPath:      common.ExpandUser(getEnv("JOBD_LOG_TEMPLATE", filepath.Join(runDir, "lsh-jobd-{user}.log")), user),
			JobsFile:     common.ExpandUser(getEnv("JOBD_JOBS_FILE", filepath.Join(home, ".lsh", "jobd-{user}.jobs.json")), user),
			MaxLogSizeMB: getEnvInt("JOBD_MAX_LOG_SIZE_MB", 10),
			StopGrace:    getEnvMillis("JOBD_STOP_GRACE_MS", 5*time.Second),
			RetryBase:    getEnvMillis("JOBD_RETRY_BASE_MS", time.Second),
			RetryMax:     getEnvMillis("JOBD_RETRY_MAX_MS", time.Minute),
		},
		Scheduler: SchedulerConfig{
			Legacy:        getEnvBool("JOBD_LEGACY_SCHEDULER", false),
			CheckInterval: getEnvMillis("JOBD_CHECK_INTERVAL_MS", 2*time.Second),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("JOBD_STORE", StoreMemory)),
			HistoryLimit: getEnvInt("JOBD_HISTORY_LIMIT", 100),
			RedisPrefix:  getEnv("JOBD_REDIS_PREFIX", "jobd"),
		},
		DB: db.Config{
			DSN:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt32("DB_MAX_CONNS", 4),
			MinConns: getEnvInt32("DB_MIN_CONNS", 1),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Webhook: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			CommandStream: getEnv("JOBD_QUEUE_STREAM", "jobd:commands"),
			EventsStream:  getEnv("JOBD_EVENTS_STREAM", "jobd:events"),
			Group:         getEnv("JOBD_QUEUE_GROUP", "jobd"),
			Consumer:      getEnv("JOBD_QUEUE_CONSUMER", "jobd-"+user),
			DLQStream:     getEnv("JOBD_QUEUE_DLQ_STREAM", "jobd:commands:dlq"),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "jobd"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if getEnvBool("JOBD_API_ENABLED", false) {
		port := getEnvInt("JOBD_API_PORT", 7071)
		if port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("JOBD_API_PORT %d out of range", port)
		}
		cfg.API = APIConfig{
			Addr:   fmt.Sprintf("127.0.0.1:%d", port),
			APIKey: getEnv("JOBD_API_KEY", ""),
		}
	}

	cfg.Scheduler.Location = time.Local
	if tz := getEnv("JOBD_TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("JOBD_TIMEZONE: %w", err)
		}
		cfg.Scheduler.Location = loc
	}

	if getEnvBool("JOBD_WEBHOOK_ENABLED", false) {
		cfg.Webhook.URL = getEnv("JOBD_WEBHOOK_URL", "")
		if cfg.Webhook.URL == "" {
			return Config{}, fmt.Errorf("JOBD_WEBHOOK_URL is required when JOBD_WEBHOOK_ENABLED is set")
		}
	}

	if getEnvBool("JOBD_QUEUE_ENABLED", false) {
		if cfg.Redis.URL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when JOBD_QUEUE_ENABLED is set")
		}
		cfg.Queue.RedisURL = cfg.Redis.URL
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for JOBD_STORE=postgres")
		}
	case StoreRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("REDIS_URL is required for JOBD_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown JOBD_STORE %q (want memory, postgres or redis)", c.Store.Backend)
	}

	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("JOBD_HISTORY_LIMIT must be positive")
	}
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("JOBD_CHECK_INTERVAL_MS must be positive")
	}
	if c.Daemon.RetryBase <= 0 || c.Daemon.RetryMax < c.Daemon.RetryBase {
		return fmt.Errorf("retry backoff needs 0 < JOBD_RETRY_BASE_MS <= JOBD_RETRY_MAX_MS")
	}
	if c.Daemon.MaxLogSizeMB <= 0 {
		return fmt.Errorf("JOBD_MAX_LOG_SIZE_MB must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func (c APIConfig) Enabled() bool {
	return c.Addr != ""
}

func (c WebhookConfig) Enabled() bool {
	return c.URL != ""
}

func (c QueueConfig) Enabled() bool {
	return c.RedisURL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt32(key string, fallback int32) int32 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(i)
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvMillis reads a duration given in milliseconds.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
