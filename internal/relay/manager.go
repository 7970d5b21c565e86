// Package relay pulls externally hosted streams into the owner's ingest
// application by running ffmpeg in a detached session on a relay host.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"livecast/internal/errs"
	"livecast/internal/lock"
	"livecast/internal/models"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/remote"
	"livecast/internal/servers"
)

// Store is the slice of the repository the relay manager needs.
type Store interface {
	GetRelaySession(ctx context.Context, ownerID string) (models.RelaySession, bool, error)
	UpsertRelaySession(ctx context.Context, session models.RelaySession) (models.RelaySession, error)
}

// ServerResolver maps a server id (empty for the default) to a host.
type ServerResolver interface {
	Resolve(id string) (models.RemoteServer, error)
}

type Manager struct {
	cfg        Config
	store      Store
	servers    ServerResolver
	supervisor remote.Supervisor
	locker     lock.Locker
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

type Option func(*Manager)

func WithLocker(locker lock.Locker) Option {
	return func(m *Manager) {
		if locker != nil {
			m.locker = locker
		}
	}
}

// WithHTTPClient sets the client used to probe m3u8 sources.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithSleep replaces the wait used for the restart grace and settle delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(m *Manager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

func NewManager(cfg Config, store Store, resolver ServerResolver, supervisor remote.Supervisor, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      store,
		servers:    resolver,
		supervisor: supervisor,
		locker:     lock.NewLocalLocker(),
		httpClient: &http.Client{},
		sleep:      sleepContext,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
		metrics:    metrics.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type StartRequest struct {
	SourceURL  string            `json:"sourceUrl"`
	SourceType models.SourceType `json:"sourceType"`
	ServerID   string            `json:"serverId"`
}

func (r StartRequest) normalize() (StartRequest, error) {
	r.SourceURL = strings.TrimSpace(r.SourceURL)
	r.ServerID = strings.TrimSpace(r.ServerID)
	if r.SourceURL == "" {
		return r, errs.Validation("source url is required")
	}
	switch r.SourceType {
	case "":
		r.SourceType = models.SourceRTMP
	case models.SourceRTMP, models.SourceM3U8:
	default:
		return r, errs.Validation("unsupported source type %q", r.SourceType)
	}
	return r, nil
}

// Start launches a relay for owner. It blocks through the restart grace and
// the settle delay, then checks liveness once. Any failure after validation
// is recorded on the owner's relay session with status erro.
func (m *Manager) Start(ctx context.Context, owner models.Owner, req StartRequest) (models.RelaySession, error) {
	req, err := req.normalize()
	if err != nil {
		return models.RelaySession{}, err
	}
	if strings.TrimSpace(owner.ID) == "" {
		return models.RelaySession{}, errs.Validation("owner is required")
	}
	logger := logging.FromContext(logging.ContextWithOwnerID(ctx, owner.ID), m.logger)

	release, err := m.locker.Acquire(ctx, lock.RelayKey(owner.ID))
	if err != nil {
		return models.RelaySession{}, err
	}
	defer release()

	existing, found, err := m.store.GetRelaySession(ctx, owner.ID)
	if err != nil {
		return models.RelaySession{}, err
	}
	if found && existing.Status == models.RelayActive {
		return models.RelaySession{}, errs.Conflict("a relay is already active for this owner; stop it first")
	}

	server, err := m.servers.Resolve(req.ServerID)
	if err != nil {
		return models.RelaySession{}, err
	}
	creds := servers.Credentials(server)
	login := owner.Login()
	session := SessionName(login)

	// The failure row and the cleanup stop must outlive a cancelled caller.
	detached := context.WithoutCancel(ctx)
	launched := false
	fail := func(cause error) (models.RelaySession, error) {
		if errs.Kind(cause) == nil {
			cause = errs.Remote("relay_start", cause)
		}
		m.metrics.RelayFailed()
		details := cause.Error()
		logger.Warn("relay start failed", "server", server.ID, "session", session, "error", cause)
		if launched {
			if stopErr := m.supervisor.Stop(detached, creds, session); stopErr != nil {
				logger.Warn("stop failed relay", "session", session, "error", stopErr)
			}
		}
		if _, err := m.store.UpsertRelaySession(detached, models.RelaySession{
			OwnerID:      owner.ID,
			SourceURL:    req.SourceURL,
			SourceType:   req.SourceType,
			ServerID:     server.ID,
			Status:       models.RelayError,
			ErrorDetails: &details,
		}); err != nil {
			return models.RelaySession{}, errors.Join(cause, err)
		}
		return models.RelaySession{}, cause
	}

	if err := m.supervisor.Stop(ctx, creds, session); err != nil {
		return fail(err)
	}
	if err := m.sleep(ctx, m.cfg.RestartGrace); err != nil {
		return fail(err)
	}
	command := BuildCommand(m.cfg, req.SourceType, req.SourceURL, login)
	launched = true
	if err := m.supervisor.Start(ctx, creds, session, command); err != nil {
		return fail(err)
	}
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return fail(err)
	}
	liveness, err := m.supervisor.Liveness(ctx, creds, session)
	if err != nil {
		return fail(err)
	}
	if liveness != remote.LivenessRunning {
		return fail(errs.Remote("relay_start", fmt.Errorf("relay process is not running after %s", m.cfg.SettleDelay)))
	}

	startedAt := m.now()
	stored, err := m.store.UpsertRelaySession(ctx, models.RelaySession{
		OwnerID:    owner.ID,
		SourceURL:  req.SourceURL,
		SourceType: req.SourceType,
		ServerID:   server.ID,
		Status:     models.RelayActive,
		StartedAt:  &startedAt,
	})
	if err != nil {
		// The row could not record the relay; do not leave it running.
		if stopErr := m.supervisor.Stop(detached, creds, session); stopErr != nil {
			logger.Warn("stop unrecorded relay", "session", session, "error", stopErr)
		}
		m.metrics.RelayFailed()
		return models.RelaySession{}, err
	}
	m.metrics.RelayStarted()
	logger.Info("relay started", "server", server.ID, "session", session, "source_type", req.SourceType)
	return stored, nil
}

// StopResult reports what Stop did. RemoteError is set when the remote
// process could not be stopped; local state is inactive regardless.
type StopResult struct {
	Session     models.RelaySession `json:"session"`
	AlreadyIdle bool                `json:"alreadyIdle"`
	RemoteError string              `json:"remoteError,omitempty"`
}

// Stop terminates the owner's relay. A relay that is already inativo is left
// untouched.
func (m *Manager) Stop(ctx context.Context, owner models.Owner) (StopResult, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return StopResult{}, errs.Validation("owner is required")
	}
	logger := logging.FromContext(logging.ContextWithOwnerID(ctx, owner.ID), m.logger)

	release, err := m.locker.Acquire(ctx, lock.RelayKey(owner.ID))
	if err != nil {
		return StopResult{}, err
	}
	defer release()

	current, found, err := m.store.GetRelaySession(ctx, owner.ID)
	if err != nil {
		return StopResult{}, err
	}
	if !found {
		return StopResult{}, errs.NotFound("no relay found for this owner")
	}
	if current.Status == models.RelayInactive {
		return StopResult{Session: current, AlreadyIdle: true}, nil
	}

	var remoteErr error
	server, err := m.servers.Resolve(current.ServerID)
	if err != nil {
		remoteErr = err
	} else {
		remoteErr = m.supervisor.Stop(ctx, servers.Credentials(server), SessionName(owner.Login()))
	}

	next := current
	next.Status = models.RelayInactive
	next.StartedAt = nil
	next.ErrorDetails = nil
	result := StopResult{}
	if remoteErr != nil {
		details := "stop failed: " + remoteErr.Error()
		next.ErrorDetails = &details
		result.RemoteError = remoteErr.Error()
		logger.Warn("relay remote stop failed; marking inactive", "error", remoteErr)
	}

	stored, err := m.store.UpsertRelaySession(ctx, next)
	if err != nil {
		return StopResult{}, err
	}
	if current.Status == models.RelayActive {
		m.metrics.RelayStopped()
	}
	result.Session = stored
	logger.Info("relay stopped", "remote_error", result.RemoteError != "")
	return result, nil
}

// Status returns the owner's relay session, or an inactive placeholder when
// the owner never ran one.
func (m *Manager) Status(ctx context.Context, owner models.Owner) (models.RelaySession, error) {
	session, found, err := m.store.GetRelaySession(ctx, owner.ID)
	if err != nil {
		return models.RelaySession{}, err
	}
	if !found {
		return models.RelaySession{OwnerID: owner.ID, Status: models.RelayInactive, SourceType: models.SourceRTMP}, nil
	}
	return session, nil
}
