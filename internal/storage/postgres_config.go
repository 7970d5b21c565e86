package storage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

const defaultAcquireTimeout = 5 * time.Second

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		AcquireTimeout:  defaultAcquireTimeout,
		ApplicationName: "livecast",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

// OptionsFromEnv translates the LIVECAST_POSTGRES_* variables into options.
func OptionsFromEnv() ([]Option, error) {
	var opts []Option
	maxConns, err := envInt32("LIVECAST_POSTGRES_MAX_CONNS")
	if err != nil {
		return nil, err
	}
	minConns, err := envInt32("LIVECAST_POSTGRES_MIN_CONNS")
	if err != nil {
		return nil, err
	}
	if maxConns > 0 || minConns > 0 {
		opts = append(opts, WithPostgresPoolLimits(maxConns, minConns))
	}
	if raw := strings.TrimSpace(os.Getenv("LIVECAST_POSTGRES_ACQUIRE_TIMEOUT")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse LIVECAST_POSTGRES_ACQUIRE_TIMEOUT: %w", err)
		}
		opts = append(opts, WithPostgresAcquireTimeout(timeout))
	}
	if name := os.Getenv("LIVECAST_POSTGRES_APP_NAME"); name != "" {
		opts = append(opts, WithPostgresApplicationName(name))
	}
	return opts, nil
}

func envInt32(key string) (int32, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int32(value), nil
}
