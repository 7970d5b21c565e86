package orchestrator

import (
	"context"
	"errors"
	"strings"

	"livecast/internal/errs"
	"livecast/internal/lock"
	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/observability/logging"
	"livecast/internal/storage"
)

type StartRequest struct {
	Title            string                  `json:"title"`
	Description      string                  `json:"description"`
	PlatformIDs      []string                `json:"platformIds"`
	PlaylistID       *string                 `json:"playlistId,omitempty"`
	ServerID         string                  `json:"serverId,omitempty"`
	AutoStart        bool                    `json:"autoStart"`
	PlaylistSettings models.PlaylistSettings `json:"playlistSettings"`
	Resolution       string                  `json:"resolution,omitempty"`
	FPS              int                     `json:"fps,omitempty"`
	Bitrate          int                     `json:"bitrate,omitempty"`
}

// PlatformView is one fan-out destination of a live transmission.
type PlatformView struct {
	BindingID      string               `json:"bindingId"`
	UserPlatformID string               `json:"userPlatformId"`
	Code           string               `json:"code,omitempty"`
	Name           string               `json:"name,omitempty"`
	Status         models.BindingStatus `json:"status"`
	PublisherName  string               `json:"publisherName"`
}

// StartResult is the composed view returned by a successful start.
type StartResult struct {
	Transmission models.Transmission     `json:"transmission"`
	Stream       models.Stream           `json:"stream"`
	Platforms    []PlatformView          `json:"platforms"`
	Ingest       mediaserver.StartResult `json:"ingest"`
}

func (r StartRequest) normalize() (StartRequest, error) {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.ServerID = strings.TrimSpace(r.ServerID)
	if r.Title == "" {
		return r, errs.Validation("title is required")
	}
	seen := make(map[string]bool, len(r.PlatformIDs))
	ids := make([]string, 0, len(r.PlatformIDs))
	for _, id := range r.PlatformIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return r, errs.Validation("at least one platform is required")
	}
	r.PlatformIDs = ids
	if r.PlaylistID != nil {
		trimmed := strings.TrimSpace(*r.PlaylistID)
		if trimmed == "" {
			r.PlaylistID = nil
		} else {
			r.PlaylistID = &trimmed
		}
	}
	if r.PlaylistSettings.Logo != nil && (r.PlaylistSettings.Logo.Opacity < 0 || r.PlaylistSettings.Logo.Opacity > 100) {
		return r, errs.Validation("logo opacity must be between 0 and 100")
	}
	if r.Bitrate < 0 || r.FPS < 0 {
		return r, errs.Validation("bitrate and fps must not be negative")
	}
	return r, nil
}

// Start begins a broadcast for owner. Every failure after the transmission
// row is created leaves that row in erro with the cause recorded.
func (o *Orchestrator) Start(ctx context.Context, owner models.Owner, req StartRequest) (StartResult, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return StartResult{}, errs.Validation("owner is required")
	}
	req, err := req.normalize()
	if err != nil {
		return StartResult{}, err
	}
	ctx = logging.ContextWithOwnerID(ctx, owner.ID)

	release, err := o.locker.Acquire(ctx, lock.TransmissionKey(owner.ID))
	if err != nil {
		return StartResult{}, err
	}
	defer release()

	if active, found, err := o.repo.ActiveTransmission(ctx, owner.ID); err != nil {
		return StartResult{}, err
	} else if found {
		o.metrics.TransmissionRejected()
		return StartResult{}, errs.Conflict("transmission %s is already live; stop it first", active.ID)
	}

	platforms, err := o.repo.ListUserPlatforms(ctx, owner.ID, req.PlatformIDs)
	if err != nil {
		return StartResult{}, err
	}
	if len(platforms) == 0 {
		return StartResult{}, errs.Validation("none of the selected platforms are configured and active")
	}

	var videos []models.Video
	txType := models.TransmissionManual
	if req.PlaylistID != nil {
		txType = models.TransmissionPlaylist
		if videos, err = o.repo.PlaylistVideos(ctx, *req.PlaylistID); err != nil {
			return StartResult{}, err
		}
		if len(videos) == 0 {
			return StartResult{}, errs.Validation("playlist %s has no videos", *req.PlaylistID)
		}
	}

	tx, err := o.repo.CreateTransmission(ctx, storage.CreateTransmissionParams{
		OwnerID:          owner.ID,
		ServerID:         req.ServerID,
		PlaylistID:       req.PlaylistID,
		Title:            req.Title,
		Description:      req.Description,
		Type:             txType,
		Settings:         models.TransmissionSettings{PlatformIDs: req.PlatformIDs, AutoStart: req.AutoStart},
		PlaylistSettings: req.PlaylistSettings,
		ApplicationName:  o.application,
	})
	if err != nil {
		return StartResult{}, err
	}
	ctx = logging.ContextWithTransmissionID(ctx, tx.ID)
	logger := logging.FromContext(ctx, o.logger)

	ingest, err := o.media.StartStream(ctx, mediaserver.StartDescriptor{
		TransmissionID:  tx.ID,
		OwnerID:         owner.ID,
		ApplicationName: tx.ApplicationName,
		Platforms:       pushTargets(platforms),
		Videos:          videos,
		Playlist:        req.PlaylistSettings,
		Bitrate:         req.Bitrate,
	})
	if err != nil {
		o.metrics.TransmissionFailed()
		o.recordFailure(ctx, tx.ID, err)
		logger.Error("media start failed", "error", err)
		return StartResult{}, err
	}

	resolution := req.Resolution
	if resolution == "" {
		resolution = defaultResolution
	}
	fps := req.FPS
	if fps == 0 {
		fps = defaultFPS
	}
	bindings := make([]models.PlatformBinding, 0, len(platforms))
	for _, platform := range platforms {
		bindings = append(bindings, models.PlatformBinding{
			UserPlatformID: platform.ID,
			PublisherName:  PublisherName(ingest.StreamName, platform.Platform.Code),
		})
	}

	activation, err := o.repo.ActivateTransmission(ctx, tx.ID, storage.ActivateParams{
		StartedAt:  o.now(),
		StreamName: ingest.StreamName,
		Stream: models.Stream{
			Title:           tx.Title,
			Bitrate:         ingest.Bitrate,
			Uptime:          mediaserver.FormatUptime(0),
			Quality:         models.StreamQuality{Resolution: resolution, FPS: fps, Bitrate: ingest.Bitrate},
			StreamName:      ingest.StreamName,
			ApplicationName: ingest.ApplicationName,
			RTMPURL:         ingest.RTMPURL,
			HLSURL:          ingest.HLSURL,
			DASHURL:         ingest.DASHURL,
		},
		Bindings: bindings,
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			o.metrics.TransmissionRejected()
		} else {
			o.metrics.TransmissionFailed()
		}
		o.recordFailure(ctx, tx.ID, err)
		if stopErr := o.media.StopStream(context.WithoutCancel(ctx), tx.ID); stopErr != nil {
			logger.Warn("release media session after failed activation", "error", stopErr)
		}
		logger.Error("activate transmission failed", "error", err)
		return StartResult{}, err
	}

	o.metrics.TransmissionStarted()
	logger.Info("transmission started", "stream", ingest.StreamName, "platforms", len(bindings), "type", txType)
	return StartResult{
		Transmission: activation.Transmission,
		Stream:       activation.Stream,
		Platforms:    platformViews(activation.Bindings, platforms),
		Ingest:       ingest,
	}, nil
}

// recordFailure moves the attempt to erro. The original cause is what the
// caller sees; a failure to record it is only logged.
func (o *Orchestrator) recordFailure(ctx context.Context, transmissionID string, cause error) {
	if _, err := o.repo.FailTransmission(context.WithoutCancel(ctx), transmissionID, cause.Error()); err != nil {
		logging.FromContext(ctx, o.logger).Error("record transmission failure", "error", err)
	}
}

// PublisherName is the per-platform name a binding publishes under.
func PublisherName(stream, platformCode string) string {
	return stream + "_" + platformCode
}

func pushTargets(platforms []models.UserPlatform) []mediaserver.PushTarget {
	targets := make([]mediaserver.PushTarget, 0, len(platforms))
	for _, platform := range platforms {
		targets = append(targets, mediaserver.PushTarget{
			Code:      platform.Platform.Code,
			RTMPURL:   platform.IngestURL(),
			StreamKey: platform.StreamKey,
		})
	}
	return targets
}

func platformViews(bindings []models.PlatformBinding, platforms []models.UserPlatform) []PlatformView {
	byID := make(map[string]models.UserPlatform, len(platforms))
	for _, platform := range platforms {
		byID[platform.ID] = platform
	}
	views := make([]PlatformView, 0, len(bindings))
	for _, binding := range bindings {
		platform := byID[binding.UserPlatformID]
		views = append(views, PlatformView{
			BindingID:      binding.ID,
			UserPlatformID: binding.UserPlatformID,
			Code:           platform.Platform.Code,
			Name:           platform.Platform.Name,
			Status:         binding.Status,
			PublisherName:  binding.PublisherName,
		})
	}
	return views
}

// StopResult reports the transmission after Stop. AlreadyStopped is set when
// the named transmission had finished before this call.
type StopResult struct {
	Transmission   models.Transmission `json:"transmission"`
	AlreadyStopped bool                `json:"alreadyStopped"`
}

// Stop ends the owner's live transmission, or the one named by
// transmissionID. Media server failures are logged and do not keep the
// transmission live.
func (o *Orchestrator) Stop(ctx context.Context, owner models.Owner, transmissionID string) (StopResult, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return StopResult{}, errs.Validation("owner is required")
	}
	transmissionID = strings.TrimSpace(transmissionID)
	ctx = logging.ContextWithOwnerID(ctx, owner.ID)

	release, err := o.locker.Acquire(ctx, lock.TransmissionKey(owner.ID))
	if err != nil {
		return StopResult{}, err
	}
	defer release()

	tx, err := o.stopTarget(ctx, owner.ID, transmissionID)
	if err != nil {
		return StopResult{}, err
	}
	if tx.Status == models.TransmissionFinished {
		return StopResult{Transmission: tx, AlreadyStopped: true}, nil
	}
	ctx = logging.ContextWithTransmissionID(ctx, tx.ID)
	logger := logging.FromContext(ctx, o.logger)

	if err := o.media.StopStream(ctx, tx.ID); err != nil {
		logger.Warn("media stop failed; finishing transmission anyway", "error", err)
	}
	finished, err := o.repo.FinishTransmission(ctx, tx.ID, o.now())
	if err != nil {
		return StopResult{}, err
	}
	// Status does not take the owner lock and may have rebuilt the session
	// from the still-active row after StopStream evicted it.
	if err := o.media.ForgetSession(context.WithoutCancel(ctx), tx.ID); err != nil {
		logger.Warn("evict finished session failed", "error", err)
	}
	o.metrics.TransmissionStopped()
	logger.Info("transmission stopped")
	return StopResult{Transmission: finished}, nil
}

func (o *Orchestrator) stopTarget(ctx context.Context, ownerID, transmissionID string) (models.Transmission, error) {
	if transmissionID == "" {
		tx, found, err := o.repo.ActiveTransmission(ctx, ownerID)
		if err != nil {
			return models.Transmission{}, err
		}
		if !found {
			return models.Transmission{}, errs.NotFound("no live transmission for this owner")
		}
		return tx, nil
	}
	tx, found, err := o.repo.GetTransmission(ctx, transmissionID)
	if err != nil {
		return models.Transmission{}, err
	}
	if !found || tx.OwnerID != ownerID {
		return models.Transmission{}, errs.NotFound("transmission %s not found", transmissionID)
	}
	switch tx.Status {
	case models.TransmissionActive, models.TransmissionFinished:
		return tx, nil
	default:
		return models.Transmission{}, errs.NotFound("transmission %s is not live", transmissionID)
	}
}

// Status is the live view of an owner's broadcast. Only IsLive is set when
// nothing is live.
type Status struct {
	IsLive       bool                 `json:"isLive"`
	Transmission *models.Transmission `json:"transmission,omitempty"`
	Stream       *models.Stream       `json:"stream,omitempty"`
	Platforms    []PlatformView       `json:"platforms,omitempty"`
	Stats        *mediaserver.Stats   `json:"stats,omitempty"`
	StatsError   string               `json:"statsError,omitempty"`
}

// Status reports the owner's live transmission with fresh stats. Refreshed
// figures are written back to the stream row when they can be.
func (o *Orchestrator) Status(ctx context.Context, owner models.Owner) (Status, error) {
	tx, found, err := o.repo.ActiveTransmission(ctx, owner.ID)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{IsLive: false}, nil
	}
	ctx = logging.ContextWithTransmissionID(logging.ContextWithOwnerID(ctx, owner.ID), tx.ID)
	logger := logging.FromContext(ctx, o.logger)

	status := Status{IsLive: true, Transmission: &tx}
	stream, hasStream, err := o.repo.StreamForTransmission(ctx, tx.ID)
	if err != nil {
		return Status{}, err
	}
	if hasStream {
		status.Stream = &stream
	}
	bindings, err := o.repo.ListPlatformBindings(ctx, tx.ID)
	if err != nil {
		return Status{}, err
	}
	platforms, err := o.repo.ListUserPlatforms(ctx, owner.ID, tx.Settings.PlatformIDs)
	if err != nil {
		return Status{}, err
	}
	status.Platforms = platformViews(bindings, platforms)

	stats, err := o.media.GetStreamStats(ctx, tx.ID)
	if err != nil {
		logger.Warn("stream stats unavailable", "error", err)
		status.StatsError = err.Error()
		return status, nil
	}
	status.Stats = &stats
	if stats.IsActive && hasStream {
		updated, err := o.repo.UpdateStreamStats(ctx, tx.ID, storage.StreamStats{
			Viewers: stats.Viewers,
			Bitrate: stats.Bitrate,
			Uptime:  stats.Uptime,
		})
		if err != nil {
			logger.Warn("refresh stream stats failed", "error", err)
		} else {
			status.Stream = &updated
		}
	}
	return status, nil
}
