package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	DBDriver          string
	DBPath            string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	TwitterAPIKey            string
	TwitterAPISecret         string
	TwitterAccessToken       string
	TwitterAccessTokenSecret string
	TwitterListID            string
	TwitterTimeoutSec        int

	SyncCooloffMinutes int
	ItemsPerPage       int

	SubmitRateLimit     int
	SubmitRateWindowSec int

	TrustProxy         bool
	CORSAllowedOrigins []string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBDSN:                    env("APP_DB_DSN", ""),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		TwitterAPIKey:            env("TWITTER_API_KEY", ""),
		TwitterAPISecret:         env("TWITTER_API_SECRET", ""),
		TwitterAccessToken:       env("TWITTER_ACCESS_TOKEN", ""),
		TwitterAccessTokenSecret: env("TWITTER_ACCESS_TOKEN_SECRET", ""),
		TwitterListID:            env("TWITTER_LIST_ID", ""),
		TwitterTimeoutSec:        envInt("TWITTER_TIMEOUT_SEC", 15),
		SyncCooloffMinutes:       envInt("SYNC_COOLOFF_MINUTES", 5),
		ItemsPerPage:             envInt("ITEMS_PER_PAGE", 20),
		SubmitRateLimit:          envInt("SUBMIT_RATE_LIMIT", 10),
		SubmitRateWindowSec:      envInt("SUBMIT_RATE_WINDOW_SEC", 60),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}

	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return Config{}, fmt.Errorf("APP_DB_PATH is required for the sqlite driver")
		}
	case "pgx", "mysql":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("APP_DB_DSN is required for DB_DRIVER=%s", cfg.DBDriver)
		}
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	for _, v := range []struct{ name, value string }{
		{"TWITTER_API_KEY", cfg.TwitterAPIKey},
		{"TWITTER_API_SECRET", cfg.TwitterAPISecret},
		{"TWITTER_ACCESS_TOKEN", cfg.TwitterAccessToken},
		{"TWITTER_ACCESS_TOKEN_SECRET", cfg.TwitterAccessTokenSecret},
		{"TWITTER_LIST_ID", cfg.TwitterListID},
	} {
		if strings.TrimSpace(v.value) == "" {
			return Config{}, fmt.Errorf("%s is required", v.name)
		}
	}
	if cfg.SyncCooloffMinutes < 0 {
		return Config{}, fmt.Errorf("SYNC_COOLOFF_MINUTES must not be negative")
	}
	if cfg.ItemsPerPage <= 0 {
		return Config{}, fmt.Errorf("ITEMS_PER_PAGE must be positive")
	}
	if cfg.SubmitRateLimit <= 0 || cfg.SubmitRateWindowSec <= 0 {
		return Config{}, fmt.Errorf("invalid submit rate limit config")
	}
	if cfg.TwitterTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("TWITTER_TIMEOUT_SEC must be positive")
	}
	return cfg, nil
}

func (c Config) SyncCooloff() time.Duration {
	return time.Duration(c.SyncCooloffMinutes) * time.Minute
}

func (c Config) TwitterTimeout() time.Duration {
	return time.Duration(c.TwitterTimeoutSec) * time.Second
}

func (c Config) SubmitRateWindow() time.Duration {
	return time.Duration(c.SubmitRateWindowSec) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
