package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// Worker sources
const (
	SourceStore = "store"
	SourceQueue = "queue"
)

type Config struct {
	DBDriver         string
	SQLitePath       string
	DatabaseURL      string
	PostgresPoolSize int

	RedisEnabled   bool
	RedisAddr      string
	RedisDB        int
	RedisPassword  string
	RedisKeyPrefix string

	HTTPPort             int
	SubmissionsPerMinute int

	BatchSize            int
	Headless             bool
	RequestDelay         time.Duration
	ItemTimeout          time.Duration
	NavigationTimeout    time.Duration
	BrowserPath          string
	MaxConcurrentBatches int

	ScheduleInterval time.Duration
	WorkerSource     string
	InflightTimeout  time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	e := &env{}
	cfg := &Config{
		DBDriver:         e.oneOf("DB_DRIVER", "sqlite", "sqlite", "postgres"),
		SQLitePath:       e.str("SQLITE_PATH", "accommodations.db"),
		PostgresPoolSize: e.integer("POSTGRES_POOL_SIZE", 5),

		RedisEnabled:   e.boolean("REDIS_ENABLED", true),
		RedisDB:        e.integer("REDIS_DB", 0),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix: e.str("REDIS_KEY_PREFIX", "olx:scraping"),

		HTTPPort:             e.integer("HTTP_PORT", 8000),
		SubmissionsPerMinute: e.integer("SUBMISSIONS_PER_MINUTE", 120),

		BatchSize:            e.integer("BATCH_SIZE", 10),
		Headless:             e.boolean("HEADLESS", true),
		RequestDelay:         e.duration("REQUEST_DELAY", 2*time.Second),
		ItemTimeout:          e.duration("ITEM_TIMEOUT", 90*time.Second),
		NavigationTimeout:    e.duration("NAVIGATION_TIMEOUT", 60*time.Second),
		BrowserPath:          os.Getenv("BROWSER_PATH"),
		MaxConcurrentBatches: e.integer("MAX_CONCURRENT_BATCHES", 2),

		ScheduleInterval: e.duration("SCHEDULE_INTERVAL", 24*time.Hour),
		WorkerSource:     e.oneOf("WORKER_SOURCE", SourceStore, SourceStore, SourceQueue),
		InflightTimeout:  e.duration("INFLIGHT_TIMEOUT", 10*time.Minute),

		LogLevel:  e.oneOf("LOG_LEVEL", "info", "debug", "info", "warn", "error"),
		LogFormat: e.oneOf("LOG_FORMAT", "json", "json", "console"),
	}

	cfg.RedisAddr = net.JoinHostPort(e.str("REDIS_HOST", "localhost"), strconv.Itoa(e.integer("REDIS_PORT", 6379)))

	if cfg.DBDriver == "postgres" {
		cfg.DatabaseURL = e.postgresURL()
	}

	if cfg.BatchSize <= 0 {
		e.fail("BATCH_SIZE", "must be positive")
	}
	if cfg.ScheduleInterval <= 0 {
		e.fail("SCHEDULE_INTERVAL", "must be positive")
	}

	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// env collects the first parse error
type env struct {
	err error
}

func (e *env) fail(key, reason string) {
	if e.err == nil {
		e.err = eris.Errorf("invalid %s: %s", key, reason)
	}
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.fail(key, "expected a non-negative integer, got "+strconv.Quote(v))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "expected a boolean, got "+strconv.Quote(v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.fail(key, "expected a duration such as 30s or 5m, got "+strconv.Quote(v))
		return def
	}
	return d
}

func (e *env) oneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(e.str(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	e.fail(key, "expected one of "+strings.Join(allowed, ", ")+", got "+strconv.Quote(v))
	return def
}

func (e *env) postgresURL() string {
	if dsn := e.str("DATABASE_URL", ""); dsn != "" {
		return dsn
	}

	db := e.str("POSTGRES_DB", "")
	if db == "" {
		e.fail("DATABASE_URL", "required when DB_DRIVER=postgres (or set POSTGRES_DB)")
		return ""
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(e.str("POSTGRES_HOST", "localhost"), strconv.Itoa(e.integer("POSTGRES_PORT", 5432))),
		Path:     "/" + db,
		RawQuery: "sslmode=" + e.str("POSTGRES_SSLMODE", "disable"),
	}
	if user := e.str("POSTGRES_USER", ""); user != "" {
		u.User = url.UserPassword(user, os.Getenv("POSTGRES_PASSWORD"))
	}
	return u.String()
}
