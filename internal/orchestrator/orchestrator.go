// Package orchestrator drives the transmission lifecycle: it validates start
// and stop requests against persisted state, delegates the media work to the
// media server controller and records the outcome.
//
// Transmissions move preparando -> ativa on a successful media start,
// preparando -> erro on a failed one and ativa -> finalizada on stop.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"livecast/internal/lock"
	"livecast/internal/mediaserver"
	"livecast/internal/observability/metrics"
	"livecast/internal/storage"
)

// MediaController is the part of the media server controller the
// orchestrator drives. *mediaserver.Controller satisfies it.
type MediaController interface {
	StartStream(ctx context.Context, desc mediaserver.StartDescriptor) (mediaserver.StartResult, error)
	StopStream(ctx context.Context, transmissionID string) error
	ForgetSession(ctx context.Context, transmissionID string) error
	GetStreamStats(ctx context.Context, transmissionID string) (mediaserver.Stats, error)
}

const (
	defaultResolution = "1920x1080"
	defaultFPS        = 30
)

type Orchestrator struct {
	repo        storage.Repository
	media       MediaController
	locker      lock.Locker
	application string
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

type Option func(*Orchestrator)

// WithLocker replaces the in-process per-owner lock, typically with a
// lock.RedisLocker when several instances share one database.
func WithLocker(locker lock.Locker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithApplication sets the media server application recorded on new
// transmissions.
func WithApplication(name string) Option {
	return func(o *Orchestrator) { o.application = name }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

func New(repo storage.Repository, media MediaController, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:    repo,
		media:   media,
		locker:  lock.NewLocalLocker(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// History lists the owner's transmissions newest first.
func (o *Orchestrator) History(ctx context.Context, ownerID string, page, limit int) (storage.TransmissionPage, error) {
	page, limit = storage.NormalizePage(page, limit)
	return o.repo.ListTransmissions(ctx, ownerID, page, limit)
}
