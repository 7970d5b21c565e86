package mediaserver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"livecast/internal/errs"
	"livecast/internal/models"
	"livecast/internal/observability/metrics"
	"livecast/internal/remote"
)

// FileTransfer copies a local file onto the media host.
type FileTransfer interface {
	Upload(ctx context.Context, creds remote.Credentials, localPath, remotePath string) error
}

// Controller talks to one media server.
type Controller struct {
	cfg       Config
	api       *apiClient
	transfer  FileTransfer
	cache     SessionCache
	source    SessionSource
	telemetry Telemetry
	group     singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu   sync.Mutex
	intn func(int) int
}

// Option customises a Controller.
type Option func(*Controller)

func WithSessionCache(cache SessionCache) Option {
	return func(c *Controller) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithSessionSource sets where cache misses are rebuilt from.
func WithSessionSource(source SessionSource) Option {
	return func(c *Controller) { c.source = source }
}

func WithTelemetry(telemetry Telemetry) Option {
	return func(c *Controller) {
		if telemetry != nil {
			c.telemetry = telemetry
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithShuffleSource replaces the random source used for playlist shuffles.
func WithShuffleSource(intn func(int) int) Option {
	return func(c *Controller) {
		if intn != nil {
			c.intn = intn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Controller) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// NewController validates cfg and builds a Controller. transfer deploys
// mapping files, usually a *remote.Controller.
func NewController(cfg Config, transfer FileTransfer, opts ...Option) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, fmt.Errorf("media server controller requires a file transfer")
	}
	c := &Controller{
		cfg:       cfg,
		transfer:  transfer,
		cache:     NewMemorySessionCache(),
		telemetry: NewPlaceholderTelemetry(0),
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   metrics.Default(),
		intn:      rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = newAPIClient(cfg, c.metrics)
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// StartDescriptor describes a stream to bring up.
type StartDescriptor struct {
	TransmissionID  string
	OwnerID         string
	StreamName      string
	ApplicationName string
	Platforms       []PushTarget
	Videos          []models.Video
	Playlist        models.PlaylistSettings
	Bitrate         int
}

// StartResult carries the ingest and playback endpoints of a started stream.
type StartResult struct {
	StreamName      string              `json:"streamName"`
	ApplicationName string              `json:"applicationName"`
	RTMPURL         string              `json:"rtmpUrl"`
	StreamKey       string              `json:"streamKey"`
	HLSURL          string              `json:"hlsUrl"`
	DASHURL         string              `json:"dashUrl"`
	Bitrate         int                 `json:"bitrate"`
	Playlist        *PlaylistDescriptor `json:"playlist,omitempty"`
}

// StreamName returns the name generated for an owner's stream.
func (c *Controller) StreamName(ownerID string) string {
	return fmt.Sprintf("stream_%s_%d", ownerID, c.now().UnixMilli())
}

// StartStream provisions the application, deploys the push-publish map,
// builds the playlist when videos are given and registers the session. A
// failing step aborts the whole start.
func (c *Controller) StartStream(ctx context.Context, desc StartDescriptor) (StartResult, error) {
	if strings.TrimSpace(desc.TransmissionID) == "" {
		return StartResult{}, errs.Validation("transmission id is required")
	}
	app := strings.TrimSpace(desc.ApplicationName)
	if app == "" {
		app = c.cfg.Application
	}
	stream := strings.TrimSpace(desc.StreamName)
	if stream == "" {
		stream = c.StreamName(desc.OwnerID)
	}
	logger := c.logger.With("transmission_id", desc.TransmissionID, "stream", stream)

	if _, err := c.EnsureApplication(ctx, app); err != nil {
		return StartResult{}, err
	}
	if err := c.DeployMapping(ctx, stream, BuildPushPublishMapping(desc.Platforms)); err != nil {
		return StartResult{}, err
	}

	var playlist *PlaylistDescriptor
	if len(desc.Videos) > 0 {
		descriptor := c.ConfigurePlaylist(stream, desc.Videos, desc.Playlist)
		playlist = &descriptor
	}

	bitrate := desc.Bitrate
	if bitrate <= 0 {
		bitrate = c.cfg.DefaultBitrate
	}

	session := Session{
		TransmissionID:  desc.TransmissionID,
		OwnerID:         desc.OwnerID,
		StreamName:      stream,
		ApplicationName: app,
		Videos:          desc.Videos,
		StartedAt:       c.now(),
		Platforms:       desc.Platforms,
		Playlist:        playlist,
		Bitrate:         bitrate,
	}
	if err := c.cache.Put(ctx, session); err != nil {
		logger.Warn("cache session failed", "error", err)
	}
	logger.Info("stream started", "application", app, "platforms", len(desc.Platforms))

	return StartResult{
		StreamName:      stream,
		ApplicationName: app,
		RTMPURL:         c.cfg.ingestURL(app),
		StreamKey:       stream,
		HLSURL:          c.cfg.playbackURL(app, stream, "playlist.m3u8"),
		DASHURL:         c.cfg.playbackURL(app, stream, "manifest.mpd"),
		Bitrate:         bitrate,
		Playlist:        playlist,
	}, nil
}

// StopStream forgets the session of transmissionID. Unknown ids succeed.
func (c *Controller) StopStream(ctx context.Context, transmissionID string) error {
	if err := c.ForgetSession(ctx, transmissionID); err != nil {
		return err
	}
	c.logger.Info("stream stopped", "transmission_id", transmissionID)
	return nil
}

// ForgetSession evicts the cached session of transmissionID without logging a
// stop. A lookup that raced a stop may have cached it again.
func (c *Controller) ForgetSession(ctx context.Context, transmissionID string) error {
	c.group.Forget(transmissionID)
	if err := c.cache.Delete(ctx, transmissionID); err != nil {
		return fmt.Errorf("drop session %s: %w", transmissionID, err)
	}
	return nil
}

// Stats is the live view of a stream.
type Stats struct {
	IsActive     bool                `json:"isActive"`
	Viewers      int                 `json:"viewers"`
	Bitrate      int                 `json:"bitrate"`
	Uptime       string              `json:"uptime"`
	CurrentVideo int                 `json:"currentVideo,omitempty"`
	TotalVideos  int                 `json:"totalVideos"`
	Platforms    []PushTarget        `json:"platforms,omitempty"`
	Playlist     *PlaylistDescriptor `json:"playlist,omitempty"`
	Estimated    bool                `json:"estimated"`
	Source       string              `json:"source,omitempty"`
}

// GetStreamStats reports live metrics for transmissionID. Viewer and bitrate
// figures come from the configured Telemetry and are flagged when estimated.
func (c *Controller) GetStreamStats(ctx context.Context, transmissionID string) (Stats, error) {
	session, ok, err := c.lookup(ctx, transmissionID)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{IsActive: false, Uptime: FormatUptime(0)}, nil
	}
	sample, err := c.telemetry.Sample(ctx, session)
	if err != nil {
		return Stats{}, errs.MediaServer("stream stats", err)
	}
	return Stats{
		IsActive:     true,
		Viewers:      sample.Viewers,
		Bitrate:      sample.Bitrate,
		Uptime:       FormatUptime(c.now().Sub(session.StartedAt)),
		CurrentVideo: session.CurrentVideo + 1,
		TotalVideos:  len(session.Videos),
		Platforms:    session.Platforms,
		Playlist:     session.Playlist,
		Estimated:    sample.Estimated,
		Source:       sample.Source,
	}, nil
}

// lookup reads the cache and rebuilds missing entries from the session
// source. Concurrent misses for one id share a single rebuild.
func (c *Controller) lookup(ctx context.Context, id string) (Session, bool, error) {
	session, ok, err := c.cache.Get(ctx, id)
	if err != nil {
		c.logger.Warn("session cache read failed", "transmission_id", id, "error", err)
	}
	if ok {
		return session, true, nil
	}
	if c.source == nil {
		return Session{}, false, nil
	}

	type rebuilt struct {
		session Session
		found   bool
	}
	value, err, _ := c.group.Do(id, func() (any, error) {
		session, found, err := c.source.RebuildSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			if err := c.cache.Put(ctx, session); err != nil {
				c.logger.Warn("cache rebuilt session failed", "transmission_id", id, "error", err)
			}
			c.logger.Info("session rebuilt from persisted records", "transmission_id", id)
		}
		return rebuilt{session: session, found: found}, nil
	})
	if err != nil {
		return Session{}, false, err
	}
	result := value.(rebuilt)
	return result.session, result.found, nil
}

// FormatUptime renders d as HH:MM:SS. Hours are not capped at 24.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// HealthStatus reports the state of a dependency.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// HealthChecks probes the control API.
func (c *Controller) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "media_server", Status: "ok"}
	if err := c.TestConnection(ctx); err != nil {
		status.Status = "error"
		status.Detail = err.Error()
	}
	c.metrics.SetDependencyHealth(status.Component, status.Status)
	return []HealthStatus{status}
}
