package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	AppEnv                 string
	DBDriver               string
	DBPath                 string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ScanDedupWindowMS      int
	ProductCacheTTLSeconds int
	TicketTimeZone         string
	LogLevel               string
	LogEncoding            string
	TerminalID             string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	window, err := strconv.Atoi(getEnv("SCAN_DEDUP_WINDOW_MS", "1000"))
	if err != nil {
		window = 1000
	}
	ttl, err := strconv.Atoi(getEnv("PRODUCT_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:                 getEnv("APP_ENV", "production"),
		DBDriver:               strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:                 getEnv("DB_PATH", "data/gestionpro.db"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		ScanDedupWindowMS:      window,
		ProductCacheTTLSeconds: ttl,
		TicketTimeZone:         getEnv("TICKET_TIMEZONE", "Local"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogEncoding:            os.Getenv("LOG_ENCODING"),
		TerminalID:             getEnv("TERMINAL_ID", "POS-1"),
	}

	return cfg
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q: want sqlite, postgres or memory", c.DBDriver))
	}
	if c.ScanDedupWindowMS < 1 {
		errs = append(errs, fmt.Errorf("SCAN_DEDUP_WINDOW_MS must be positive, got %d", c.ScanDedupWindowMS))
	}
	if _, err := time.LoadLocation(c.TicketTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("TICKET_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}

func (c Config) ScanDedupWindow() time.Duration {
	return time.Duration(c.ScanDedupWindowMS) * time.Millisecond
}

func (c Config) ProductCacheTTL() time.Duration {
	return time.Duration(c.ProductCacheTTLSeconds) * time.Second
}

// Location is the shop time zone that scopes ticket days. Call Validate first.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TicketTimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
