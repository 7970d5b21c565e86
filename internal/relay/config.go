package relay

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultFFmpegPath   = "/usr/local/bin/ffmpeg"
	defaultOutputHost   = "localhost:1935"
	defaultSettleDelay  = 10 * time.Second
	defaultRestartGrace = 2 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// Config controls how relays are launched on the remote host.
type Config struct {
	FFmpegPath string
	// OutputHost is the RTMP endpoint, as seen from the relay host, that
	// relayed streams are published to.
	OutputHost   string
	SettleDelay  time.Duration
	RestartGrace time.Duration
	ProbeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = defaultFFmpegPath
	}
	if strings.TrimSpace(c.OutputHost) == "" {
		c.OutputHost = defaultOutputHost
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.RestartGrace < 0 {
		c.RestartGrace = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
}

// LoadConfigFromEnv reads LIVECAST_FFMPEG_PATH, LIVECAST_RELAY_OUTPUT_HOST,
// LIVECAST_RELAY_SETTLE, LIVECAST_RELAY_GRACE and LIVECAST_RELAY_PROBE_TIMEOUT.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		FFmpegPath:   os.Getenv("LIVECAST_FFMPEG_PATH"),
		OutputHost:   os.Getenv("LIVECAST_RELAY_OUTPUT_HOST"),
		RestartGrace: defaultRestartGrace,
	}
	var err error
	if cfg.SettleDelay, err = envDuration("LIVECAST_RELAY_SETTLE"); err != nil {
		return Config{}, err
	}
	if grace, err := envDuration("LIVECAST_RELAY_GRACE"); err != nil {
		return Config{}, err
	} else if grace > 0 {
		cfg.RestartGrace = grace
	}
	if cfg.ProbeTimeout, err = envDuration("LIVECAST_RELAY_PROBE_TIMEOUT"); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func envDuration(key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return value, nil
}
