package remote

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls how control channels are opened.
type Config struct {
	KnownHostsPath string
	DialTimeout    time.Duration
	MaxOpenConns   int
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		KnownHostsPath: strings.TrimSpace(os.Getenv("LIVECAST_SSH_KNOWN_HOSTS")),
		DialTimeout:    15 * time.Second,
		MaxOpenConns:   16,
	}

	if timeout := strings.TrimSpace(os.Getenv("LIVECAST_SSH_DIAL_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVECAST_SSH_DIAL_TIMEOUT: %w", err)
		}
		cfg.DialTimeout = parsed
	}

	if conns := strings.TrimSpace(os.Getenv("LIVECAST_SSH_MAX_CONNS")); conns != "" {
		parsed, err := strconv.Atoi(conns)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVECAST_SSH_MAX_CONNS: %w", err)
		}
		cfg.MaxOpenConns = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.DialTimeout <= 0 {
		return errors.New("ssh dial timeout must be positive")
	}
	if c.MaxOpenConns <= 0 {
		return errors.New("ssh max open connections must be positive")
	}
	return nil
}
