package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livecast/internal/errs"
	"livecast/internal/models"
)

type scenarioRepository interface {
	Repository
	CollaboratorWriter
}

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (scenarioRepository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) scenarioRepository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres repository unavailable")
	}
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func requireNoError(t *testing.T, err error, operation string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", operation, err)
	}
}

func seedPlatform(t *testing.T, repo scenarioRepository, id, owner, code string) models.UserPlatform {
	t.Helper()
	platform := models.UserPlatform{
		ID:        id,
		OwnerID:   owner,
		Platform:  models.Platform{ID: "platform-" + code, Code: code, Name: code, RTMPBaseURL: "rtmp://" + code + ".example.com/live"},
		StreamKey: "key-" + id,
		Active:    true,
	}
	requireNoError(t, repo.PutUserPlatform(context.Background(), platform), "put user platform")
	return platform
}

func activateParams(streamName string, platformIDs ...string) ActivateParams {
	bindings := make([]models.PlatformBinding, 0, len(platformIDs))
	for _, id := range platformIDs {
		bindings = append(bindings, models.PlatformBinding{UserPlatformID: id, PublisherName: streamName + "_" + id})
	}
	return ActivateParams{
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		StreamName: streamName,
		Stream: models.Stream{
			Bitrate: 2500,
			Quality: models.StreamQuality{Resolution: "1920x1080", FPS: 30, Bitrate: 2500},
		},
		Bindings: bindings,
	}
}

// RunRepositoryTransmissionLifecycle walks a transmission from preparando
// through ativa to finalizada.
func RunRepositoryTransmissionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	seedPlatform(t, repo, "up-1", "owner-1", "yt")

	created, err := repo.CreateTransmission(ctx, CreateTransmissionParams{
		OwnerID:  "owner-1",
		Title:    "  Evening show ",
		Type:     models.TransmissionManual,
		Settings: models.TransmissionSettings{PlatformIDs: []string{"up-1"}},
	})
	requireNoError(t, err, "create transmission")
	if created.Status != models.TransmissionPreparing {
		t.Fatalf("expected preparando, got %s", created.Status)
	}
	if created.Title != "Evening show" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}
	if _, found, err := repo.ActiveTransmission(ctx, "owner-1"); err != nil || found {
		t.Fatalf("expected no active transmission before activation, found=%v err=%v", found, err)
	}

	activation, err := repo.ActivateTransmission(ctx, created.ID, activateParams("stream_owner-1_1", "up-1"))
	requireNoError(t, err, "activate transmission")
	if activation.Transmission.Status != models.TransmissionActive {
		t.Fatalf("expected ativa, got %s", activation.Transmission.Status)
	}
	if activation.Transmission.StartedAt == nil {
		t.Fatal("expected started timestamp")
	}
	if activation.Transmission.StreamName != "stream_owner-1_1" {
		t.Fatalf("unexpected stream name %q", activation.Transmission.StreamName)
	}
	if !activation.Stream.IsLive || activation.Stream.TransmissionID != created.ID {
		t.Fatalf("unexpected stream %+v", activation.Stream)
	}
	if len(activation.Bindings) != 1 || activation.Bindings[0].Status != models.BindingActive {
		t.Fatalf("unexpected bindings %+v", activation.Bindings)
	}

	active, found, err := repo.ActiveTransmission(ctx, "owner-1")
	requireNoError(t, err, "active transmission")
	if !found || active.ID != created.ID {
		t.Fatalf("expected active transmission %s, got %+v (found=%v)", created.ID, active, found)
	}

	stream, err := repo.UpdateStreamStats(ctx, created.ID, StreamStats{Viewers: 12, Bitrate: 2700, Uptime: "00:00:42"})
	requireNoError(t, err, "update stream stats")
	if stream.Viewers != 12 || stream.Uptime != "00:00:42" {
		t.Fatalf("stream stats not stored: %+v", stream)
	}

	endedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	finished, err := repo.FinishTransmission(ctx, created.ID, endedAt)
	requireNoError(t, err, "finish transmission")
	if finished.Status != models.TransmissionFinished || finished.EndedAt == nil || !finished.EndedAt.Equal(endedAt) {
		t.Fatalf("unexpected finished transmission %+v", finished)
	}
	stream, found, err = repo.StreamForTransmission(ctx, created.ID)
	requireNoError(t, err, "stream for transmission")
	if !found || stream.IsLive {
		t.Fatalf("expected stream offline, got %+v (found=%v)", stream, found)
	}
	bindings, err := repo.ListPlatformBindings(ctx, created.ID)
	requireNoError(t, err, "list bindings")
	for _, binding := range bindings {
		if binding.Status != models.BindingFinished {
			t.Fatalf("expected binding finalizada, got %+v", binding)
		}
	}

	again, err := repo.FinishTransmission(ctx, created.ID, endedAt.Add(time.Hour))
	requireNoError(t, err, "finish transmission twice")
	if !again.EndedAt.Equal(endedAt) {
		t.Fatalf("second finish must not move ended_at, got %v", again.EndedAt)
	}
}

// RunRepositorySingleActiveTransmission checks that a second activation for
// the same owner is rejected as a conflict.
func RunRepositorySingleActiveTransmission(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	first, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-1", Title: "first"})
	requireNoError(t, err, "create first")
	second, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-1", Title: "second"})
	requireNoError(t, err, "create second")
	other, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-2", Title: "other"})
	requireNoError(t, err, "create other")

	_, err = repo.ActivateTransmission(ctx, first.ID, activateParams("s1"))
	requireNoError(t, err, "activate first")

	_, err = repo.ActivateTransmission(ctx, second.ID, activateParams("s2"))
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, _, err := repo.GetTransmission(ctx, second.ID)
	requireNoError(t, err, "get second")
	if stored.Status != models.TransmissionPreparing {
		t.Fatalf("rejected activation must not change status, got %s", stored.Status)
	}
	if _, found, _ := repo.StreamForTransmission(ctx, second.ID); found {
		t.Fatal("rejected activation must not create a stream")
	}

	if _, err := repo.ActivateTransmission(ctx, other.ID, activateParams("s3")); err != nil {
		t.Fatalf("other owners are independent: %v", err)
	}
}

// RunRepositoryConcurrentActivation races activations for one owner.
func RunRepositoryConcurrentActivation(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	const attempts = 8
	ids := make([]string, attempts)
	for i := range ids {
		tx, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "racer", Title: "race"})
		requireNoError(t, err, "create transmission")
		ids[i] = tx.ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := repo.ActivateTransmission(ctx, id, activateParams("race_"+id))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected activation error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if succeeded != 1 || conflicts != attempts-1 {
		t.Fatalf("expected exactly one activation, got %d succeeded and %d conflicts", succeeded, conflicts)
	}
}

func RunRepositoryFailTransmission(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	tx, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-1", Title: "doomed"})
	requireNoError(t, err, "create transmission")
	failed, err := repo.FailTransmission(ctx, tx.ID, "media server unreachable")
	requireNoError(t, err, "fail transmission")
	if failed.Status != models.TransmissionError || failed.ErrorDetails == nil || *failed.ErrorDetails != "media server unreachable" {
		t.Fatalf("unexpected failed transmission %+v", failed)
	}
	if _, err := repo.ActivateTransmission(ctx, tx.ID, activateParams("late")); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("erro is terminal, expected conflict, got %v", err)
	}
	if _, err := repo.FinishTransmission(ctx, tx.ID, time.Now()); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("finishing an erro transmission must conflict, got %v", err)
	}
	if _, err := repo.FailTransmission(ctx, "missing", "x"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func RunRepositoryHistoryPaging(t *testing.T, factory RepositoryFactory) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	repo := runRepository(t, factory, WithClock(clock))
	ctx := context.Background()

	titles := []string{"one", "two", "three", "four", "five"}
	for _, title := range titles {
		_, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-1", Title: title})
		requireNoError(t, err, "create transmission")
	}
	_, err := repo.CreateTransmission(ctx, CreateTransmissionParams{OwnerID: "owner-2", Title: "elsewhere"})
	requireNoError(t, err, "create other owner")

	page, err := repo.ListTransmissions(ctx, "owner-1", 1, 2)
	requireNoError(t, err, "list page 1")
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Title != "five" || page.Items[1].Title != "four" {
		t.Fatalf("expected newest first, got %q, %q", page.Items[0].Title, page.Items[1].Title)
	}

	last, err := repo.ListTransmissions(ctx, "owner-1", 3, 2)
	requireNoError(t, err, "list page 3")
	if len(last.Items) != 1 || last.Items[0].Title != "one" {
		t.Fatalf("unexpected last page %+v", last.Items)
	}

	beyond, err := repo.ListTransmissions(ctx, "owner-1", 9, 2)
	requireNoError(t, err, "list beyond")
	if len(beyond.Items) != 0 || beyond.Total != 5 {
		t.Fatalf("unexpected page beyond range %+v", beyond)
	}

	defaults, err := repo.ListTransmissions(ctx, "owner-1", 0, 0)
	requireNoError(t, err, "list defaults")
	if defaults.Page != 1 || defaults.Limit != 10 || len(defaults.Items) != 5 {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
}

func RunRepositoryCollaboratorReads(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	seedPlatform(t, repo, "up-yt", "owner-1", "yt")
	seedPlatform(t, repo, "up-fb", "owner-1", "fb")
	seedPlatform(t, repo, "up-foreign", "owner-2", "tw")
	inactive := seedPlatform(t, repo, "up-off", "owner-1", "kick")
	inactive.Active = false
	requireNoError(t, repo.PutUserPlatform(ctx, inactive), "deactivate platform")

	platforms, err := repo.ListUserPlatforms(ctx, "owner-1", []string{"up-fb", "up-off", "up-foreign", "missing", "up-yt"})
	requireNoError(t, err, "list user platforms")
	if len(platforms) != 2 || platforms[0].ID != "up-fb" || platforms[1].ID != "up-yt" {
		t.Fatalf("expected [up-fb up-yt], got %+v", platforms)
	}
	if platforms[0].Platform.Code != "fb" || platforms[0].StreamKey != "key-up-fb" {
		t.Fatalf("platform details not loaded: %+v", platforms[0])
	}

	videos := []models.Video{
		{ID: "v2", Name: "Second", URI: "/videos/2.mp4", Duration: 30, Position: 2},
		{ID: "v1", Name: "First", URI: "/videos/1.mp4", Duration: 60, Position: 1},
	}
	requireNoError(t, repo.PutPlaylistVideos(ctx, "pl-1", videos), "put playlist")
	ordered, err := repo.PlaylistVideos(ctx, "pl-1")
	requireNoError(t, err, "playlist videos")
	if len(ordered) != 2 || ordered[0].ID != "v1" || ordered[1].ID != "v2" {
		t.Fatalf("expected videos by position, got %+v", ordered)
	}
	empty, err := repo.PlaylistVideos(ctx, "pl-missing")
	requireNoError(t, err, "empty playlist")
	if len(empty) != 0 {
		t.Fatalf("expected no videos, got %+v", empty)
	}
}

func RunRepositoryRelaySessions(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	if _, found, err := repo.GetRelaySession(ctx, "owner-1"); err != nil || found {
		t.Fatalf("expected no relay session, found=%v err=%v", found, err)
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := repo.UpsertRelaySession(ctx, models.RelaySession{
		OwnerID:    "owner-1",
		SourceURL:  "rtmp://origin/live/key",
		SourceType: models.SourceRTMP,
		ServerID:   "edge-1",
		Status:     models.RelayActive,
		StartedAt:  &started,
	})
	requireNoError(t, err, "upsert active")

	details := "remote stop failed"
	_, err = repo.UpsertRelaySession(ctx, models.RelaySession{
		OwnerID:      "owner-1",
		SourceURL:    "rtmp://origin/live/key",
		SourceType:   models.SourceRTMP,
		ServerID:     "edge-1",
		Status:       models.RelayInactive,
		ErrorDetails: &details,
	})
	requireNoError(t, err, "upsert inactive")

	session, found, err := repo.GetRelaySession(ctx, "owner-1")
	requireNoError(t, err, "get relay session")
	if !found || session.Status != models.RelayInactive || session.StartedAt != nil {
		t.Fatalf("expected a single reused inactive row, got %+v", session)
	}
	if session.ErrorDetails == nil || *session.ErrorDetails != details {
		t.Fatalf("expected error details kept, got %+v", session.ErrorDetails)
	}
	if _, err := repo.UpsertRelaySession(ctx, models.RelaySession{Status: models.RelayActive}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for missing owner, got %v", err)
	}
}
