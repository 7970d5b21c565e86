package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"livecast/internal/server"
	"livecast/internal/serverutil"
)

const (
	storageDriverJSON     = "json"
	storageDriverPostgres = "postgres"

	defaultListenAddr      = ":8080"
	defaultDataPath        = "data/livecast.json"
	defaultShutdownTimeout = 30 * time.Second
)

type serveFlags struct {
	addr          string
	logLevel      string
	logFormat     string
	storageDriver string
	dataPath      string
	postgresDSN   string
	redisAddr     string
	serversFile   string
	tlsCert       string
	tlsKey        string
	globalRPS     float64
	globalBurst   int
	ownerRPS      float64
	ownerBurst    int
	shutdown      time.Duration
}

func (f *serveFlags) register(cmd *cobra.Command) {
	p := cmd.PersistentFlags()
	p.StringVar(&f.addr, "addr", "", "HTTP listen address")
	p.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	p.StringVar(&f.logFormat, "log-format", "", "log format (json or text)")
	p.StringVar(&f.storageDriver, "storage-driver", "", "datastore driver (json or postgres)")
	p.StringVar(&f.dataPath, "data", "", "path to JSON datastore")
	p.StringVar(&f.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	p.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the session cache and owner locks")
	p.StringVar(&f.serversFile, "servers-file", "", "YAML catalog of relay hosts")
	p.StringVar(&f.tlsCert, "tls-cert", "", "path to TLS certificate file")
	p.StringVar(&f.tlsKey, "tls-key", "", "path to TLS private key file")
	p.Float64Var(&f.globalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	p.IntVar(&f.globalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	p.Float64Var(&f.ownerRPS, "rate-owner-rps", 0, "per-owner request rate limit in requests per second")
	p.IntVar(&f.ownerBurst, "rate-owner-burst", 0, "per-owner rate limit burst allowance")
	p.DurationVar(&f.shutdown, "shutdown-timeout", 0, "grace period for in-flight requests on shutdown")
}

type redisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

type serveConfig struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	StorageDriver   string
	DataPath        string
	PostgresDSN     string
	Redis           redisConfig
	ServersFile     string
	TLS             serverutil.TLSConfig
	RateLimit       server.RateLimitConfig
	ShutdownTimeout time.Duration
}

func resolveServeConfig(flags serveFlags) (serveConfig, error) {
	cfg := serveConfig{
		Addr:        firstNonEmpty(flags.addr, os.Getenv("LIVECAST_ADDR"), defaultListenAddr),
		LogLevel:    firstNonEmpty(flags.logLevel, os.Getenv("LIVECAST_LOG_LEVEL"), "info"),
		LogFormat:   firstNonEmpty(flags.logFormat, os.Getenv("LIVECAST_LOG_FORMAT")),
		PostgresDSN: firstNonEmpty(flags.postgresDSN, os.Getenv("LIVECAST_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		ServersFile: firstNonEmpty(flags.serversFile, os.Getenv("LIVECAST_SERVERS_FILE")),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(flags.tlsCert, os.Getenv("LIVECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(flags.tlsKey, os.Getenv("LIVECAST_TLS_KEY")),
		},
		Redis: redisConfig{
			Addr:     firstNonEmpty(flags.redisAddr, os.Getenv("LIVECAST_REDIS_ADDR")),
			Username: strings.TrimSpace(os.Getenv("LIVECAST_REDIS_USERNAME")),
			Password: os.Getenv("LIVECAST_REDIS_PASSWORD"),
		},
	}

	driver, err := resolveStorageDriver(flags.storageDriver, os.Getenv("LIVECAST_STORAGE_DRIVER"), cfg.PostgresDSN)
	if err != nil {
		return serveConfig{}, err
	}
	cfg.StorageDriver = driver
	if driver == storageDriverJSON {
		cfg.DataPath = firstNonEmpty(flags.dataPath, os.Getenv("LIVECAST_DATA_PATH"), defaultDataPath)
	}

	if cfg.Redis.DB, err = resolveInt(0, "LIVECAST_REDIS_DB"); err != nil {
		return serveConfig{}, err
	}
	if cfg.RateLimit.GlobalRPS, err = resolveFloat(flags.globalRPS, "LIVECAST_RATE_GLOBAL_RPS"); err != nil {
		return serveConfig{}, err
	}
	if cfg.RateLimit.GlobalBurst, err = resolveInt(flags.globalBurst, "LIVECAST_RATE_GLOBAL_BURST"); err != nil {
		return serveConfig{}, err
	}
	if cfg.RateLimit.OwnerRPS, err = resolveFloat(flags.ownerRPS, "LIVECAST_RATE_OWNER_RPS"); err != nil {
		return serveConfig{}, err
	}
	if cfg.RateLimit.OwnerBurst, err = resolveInt(flags.ownerBurst, "LIVECAST_RATE_OWNER_BURST"); err != nil {
		return serveConfig{}, err
	}
	if cfg.ShutdownTimeout, err = resolveDuration(flags.shutdown, "LIVECAST_SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return serveConfig{}, err
	}
	return cfg, nil
}

// resolveStorageDriver picks the datastore. An explicit choice wins; a DSN
// alone selects Postgres; otherwise the JSON file store is used.
func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	switch driver {
	case "":
		if strings.TrimSpace(postgresDSN) != "" {
			return storageDriverPostgres, nil
		}
		return storageDriverJSON, nil
	case storageDriverJSON:
		return driver, nil
	case storageDriverPostgres:
		if strings.TrimSpace(postgresDSN) == "" {
			return "", fmt.Errorf("postgres storage selected without DSN: set LIVECAST_DATABASE_URL or --postgres-dsn")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string) (float64, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envKey, err)
	}
	return value, nil
}

func resolveInt(flagValue int, envKey string) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envKey, err)
	}
	return value, nil
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) (time.Duration, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envKey, err)
	}
	return value, nil
}
