package orchestrator

import (
	"context"

	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/storage"
)

// SessionRebuilder reconstructs media server sessions from persisted
// records after a restart or on an instance that did not start the stream.
type SessionRebuilder struct {
	repo storage.Repository
}

func NewSessionRebuilder(repo storage.Repository) *SessionRebuilder {
	return &SessionRebuilder{repo: repo}
}

// RebuildSession reports false unless transmissionID is ativa. The rebuilt
// session has no playlist cursor; playout resumes from the first video.
func (r *SessionRebuilder) RebuildSession(ctx context.Context, transmissionID string) (mediaserver.Session, bool, error) {
	tx, found, err := r.repo.GetTransmission(ctx, transmissionID)
	if err != nil || !found || tx.Status != models.TransmissionActive {
		return mediaserver.Session{}, false, err
	}
	stream, hasStream, err := r.repo.StreamForTransmission(ctx, tx.ID)
	if err != nil {
		return mediaserver.Session{}, false, err
	}
	platforms, err := r.repo.ListUserPlatforms(ctx, tx.OwnerID, tx.Settings.PlatformIDs)
	if err != nil {
		return mediaserver.Session{}, false, err
	}

	session := mediaserver.Session{
		TransmissionID:  tx.ID,
		OwnerID:         tx.OwnerID,
		StreamName:      tx.StreamName,
		ApplicationName: tx.ApplicationName,
		Platforms:       pushTargets(platforms),
	}
	if tx.StartedAt != nil {
		session.StartedAt = *tx.StartedAt
	}
	if hasStream {
		session.Bitrate = stream.Quality.Bitrate
		if stream.ApplicationName != "" {
			session.ApplicationName = stream.ApplicationName
		}
	}
	if tx.PlaylistID != nil {
		videos, err := r.repo.PlaylistVideos(ctx, *tx.PlaylistID)
		if err != nil {
			return mediaserver.Session{}, false, err
		}
		session.Videos = videos
	}
	return session, true, nil
}

var _ mediaserver.SessionSource = (*SessionRebuilder)(nil)
