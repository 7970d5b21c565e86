package storage

import (
	"context"
	"time"

	"livecast/internal/models"
)

// Repository is the system of record for transmissions, streams, platform
// bindings and relay sessions. It also exposes read-only views of the
// collaborator data (platform credentials, playlist contents) that start
// operations consume.
//
// Implementations must guarantee that at most one transmission per owner is
// ativa; ActivateTransmission returns an errs.ErrConflict error otherwise.
type Repository interface {
	CreateTransmission(ctx context.Context, params CreateTransmissionParams) (models.Transmission, error)
	GetTransmission(ctx context.Context, id string) (models.Transmission, bool, error)
	ActiveTransmission(ctx context.Context, ownerID string) (models.Transmission, bool, error)
	ActivateTransmission(ctx context.Context, id string, params ActivateParams) (Activation, error)
	FailTransmission(ctx context.Context, id, details string) (models.Transmission, error)
	FinishTransmission(ctx context.Context, id string, endedAt time.Time) (models.Transmission, error)
	ListTransmissions(ctx context.Context, ownerID string, page, limit int) (TransmissionPage, error)

	StreamForTransmission(ctx context.Context, transmissionID string) (models.Stream, bool, error)
	UpdateStreamStats(ctx context.Context, transmissionID string, stats StreamStats) (models.Stream, error)
	ListPlatformBindings(ctx context.Context, transmissionID string) ([]models.PlatformBinding, error)

	ListUserPlatforms(ctx context.Context, ownerID string, ids []string) ([]models.UserPlatform, error)
	PlaylistVideos(ctx context.Context, playlistID string) ([]models.Video, error)

	GetRelaySession(ctx context.Context, ownerID string) (models.RelaySession, bool, error)
	UpsertRelaySession(ctx context.Context, session models.RelaySession) (models.RelaySession, error)

	Ping(ctx context.Context) error
}

// CollaboratorWriter loads the externally managed data that Repository only
// reads. Used by imports and tests.
type CollaboratorWriter interface {
	PutUserPlatform(ctx context.Context, platform models.UserPlatform) error
	PutPlaylistVideos(ctx context.Context, playlistID string, videos []models.Video) error
}

type CreateTransmissionParams struct {
	OwnerID          string
	ServerID         string
	PlaylistID       *string
	Title            string
	Description      string
	Type             models.TransmissionType
	Settings         models.TransmissionSettings
	PlaylistSettings models.PlaylistSettings
	ApplicationName  string
}

// ActivateParams carries everything written when a transmission goes ativa.
// Stream and binding IDs and timestamps are assigned by the repository.
type ActivateParams struct {
	StartedAt  time.Time
	StreamName string
	Stream     models.Stream
	Bindings   []models.PlatformBinding
}

type Activation struct {
	Transmission models.Transmission
	Stream       models.Stream
	Bindings     []models.PlatformBinding
}

type StreamStats struct {
	Viewers int
	Bitrate int
	Uptime  string
}

type TransmissionPage struct {
	Items []models.Transmission `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// NormalizePage applies the history paging defaults.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}
