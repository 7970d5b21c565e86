package mediaserver

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"livecast/internal/remote"
)

const (
	defaultServerName     = "_defaultServer_"
	defaultVHost          = "_defaultVHost_"
	defaultApplication    = "live"
	defaultPushPublishDir = "/usr/local/WowzaStreamingEngine/conf/pushpublish"
	defaultBitrate        = 2500
)

// Config stores connectivity information for the media server.
type Config struct {
	Host           string
	APIPort        int
	APIEndpoint    string
	Username       string
	Password       string
	ServerName     string
	VHost          string
	Application    string
	RTMPPort       int
	PlaybackPort   int
	PushPublishDir string
	DefaultBitrate int
	RequestsPerSec float64
	SessionTTL     time.Duration
	SSH            remote.Credentials
	HTTPClient     *http.Client
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:           strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_HOST")),
		APIEndpoint:    strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_API_URL")),
		Username:       strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_USER")),
		Password:       os.Getenv("LIVECAST_MEDIA_PASSWORD"),
		ServerName:     strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_SERVER")),
		VHost:          strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_VHOST")),
		Application:    strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_APPLICATION")),
		PushPublishDir: strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_PUSHPUBLISH_DIR")),
		SSH: remote.Credentials{
			User:           strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_SSH_USER")),
			Password:       os.Getenv("LIVECAST_MEDIA_SSH_PASSWORD"),
			PrivateKeyPath: strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_SSH_KEY_PATH")),
		},
	}

	ints := []struct {
		env    string
		target *int
	}{
		{"LIVECAST_MEDIA_API_PORT", &cfg.APIPort},
		{"LIVECAST_MEDIA_RTMP_PORT", &cfg.RTMPPort},
		{"LIVECAST_MEDIA_PLAYBACK_PORT", &cfg.PlaybackPort},
		{"LIVECAST_MEDIA_BITRATE", &cfg.DefaultBitrate},
		{"LIVECAST_MEDIA_SSH_PORT", &cfg.SSH.Port},
	}
	for _, entry := range ints {
		value := strings.TrimSpace(os.Getenv(entry.env))
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", entry.env, err)
		}
		*entry.target = parsed
	}

	if rps := strings.TrimSpace(os.Getenv("LIVECAST_MEDIA_API_RPS")); rps != "" {
		parsed, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVECAST_MEDIA_API_RPS: %w", err)
		}
		cfg.RequestsPerSec = parsed
	}

	if ttl := strings.TrimSpace(os.Getenv("LIVECAST_SESSION_TTL")); ttl != "" {
		parsed, err := time.ParseDuration(ttl)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVECAST_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = parsed
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.APIPort == 0 {
		c.APIPort = 8087
	}
	if c.ServerName == "" {
		c.ServerName = defaultServerName
	}
	if c.VHost == "" {
		c.VHost = defaultVHost
	}
	if c.Application == "" {
		c.Application = defaultApplication
	}
	if c.RTMPPort == 0 {
		c.RTMPPort = 1935
	}
	if c.PlaybackPort == 0 {
		c.PlaybackPort = 1935
	}
	if c.PushPublishDir == "" {
		c.PushPublishDir = defaultPushPublishDir
	}
	if c.DefaultBitrate == 0 {
		c.DefaultBitrate = defaultBitrate
	}
	if c.RequestsPerSec == 0 {
		c.RequestsPerSec = 10
	}
	if c.SSH.Host == "" {
		c.SSH.Host = c.Host
	}
	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if missing := c.missingRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("missing media server configuration: %s", strings.Join(missing, ", "))
	}
	if c.APIPort <= 0 || c.RTMPPort <= 0 || c.PlaybackPort <= 0 {
		return errors.New("media server ports must be positive")
	}
	if c.DefaultBitrate <= 0 {
		return errors.New("default bitrate must be positive")
	}
	if c.RequestsPerSec < 0 {
		return errors.New("media API request rate cannot be negative")
	}
	return nil
}

func (c Config) missingRequiredFields() []string {
	missing := make([]string, 0, 3)
	if c.Host == "" {
		missing = append(missing, "LIVECAST_MEDIA_HOST")
	}
	if c.Username == "" {
		missing = append(missing, "LIVECAST_MEDIA_USER")
	}
	if c.Password == "" {
		missing = append(missing, "LIVECAST_MEDIA_PASSWORD")
	}
	return missing
}

// APIBaseURL is the vhost-scoped root of the control API.
func (c Config) APIBaseURL() string {
	endpoint := strings.TrimRight(c.APIEndpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s:%d", c.Host, c.APIPort)
	}
	return fmt.Sprintf("%s/v2/servers/%s/vhosts/%s", endpoint, c.ServerName, c.VHost)
}

// MappingPath is the remote location of the push-publish map for stream.
func (c Config) MappingPath(stream string) string {
	return strings.TrimRight(c.PushPublishDir, "/") + "/map.publish_" + stream + ".txt"
}

func (c Config) ingestURL(app string) string {
	return fmt.Sprintf("rtmp://%s:%d/%s", c.Host, c.RTMPPort, app)
}

func (c Config) playbackURL(app, stream, manifest string) string {
	return fmt.Sprintf("http://%s:%d/%s/%s/%s", c.Host, c.PlaybackPort, app, stream, manifest)
}
