package orchestrator

import (
	"context"
	"testing"

	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/observability/metrics"
	"livecast/internal/remote"
	"livecast/internal/storage"
	"livecast/internal/testsupport/mediastub"
	"livecast/internal/testsupport/remotestub"
)

func newMediaController(t *testing.T, stub *mediastub.Server, dialer *remotestub.Dialer, repo storage.Repository) *mediaserver.Controller {
	t.Helper()
	cfg := mediaserver.Config{
		Host:        "media.example.com",
		APIEndpoint: stub.URL(),
		Username:    "admin",
		Password:    "s3cret",
		HTTPClient:  stub.Client(),
		SSH:         remote.Credentials{Host: "media.example.com", User: "root", Password: "ssh"},
	}
	recorder := metrics.New()
	ctrl, err := mediaserver.NewController(cfg, remote.NewController(dialer, remote.WithMetrics(recorder)),
		mediaserver.WithSessionSource(NewSessionRebuilder(repo)),
		mediaserver.WithMetrics(recorder),
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

// TestLifecycleAgainstMediaServer runs start, status after a controller
// restart and stop through the real media server controller.
func TestLifecycleAgainstMediaServer(t *testing.T) {
	stub := mediastub.Start(mediastub.Options{Username: "admin", Password: "s3cret"})
	t.Cleanup(stub.Close)
	dialer := remotestub.New(remotestub.Options{})

	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()
	if err := store.PutUserPlatform(ctx, models.UserPlatform{
		ID:        "up-yt",
		OwnerID:   owner.ID,
		Platform:  models.Platform{ID: "p-yt", Code: "yt", RTMPBaseURL: "rtmp://a"},
		StreamKey: "k1",
		Active:    true,
	}); err != nil {
		t.Fatalf("PutUserPlatform: %v", err)
	}

	ctrl := newMediaController(t, stub, dialer, store)
	orch := New(store, ctrl, WithApplication(ctrl.Config().Application), WithMetrics(metrics.New()))

	started, err := orch.Start(ctx, owner, StartRequest{Title: "T", PlatformIDs: []string{"up-yt"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Transmission.Status != models.TransmissionActive || !started.Stream.IsLive {
		t.Fatalf("unexpected start result %+v", started)
	}
	if apps := stub.Applications(); len(apps) != 1 || apps[0] != ctrl.Config().Application {
		t.Fatalf("expected application to be created, got %v", apps)
	}
	uploads := dialer.Uploads()
	if len(uploads) != 1 || uploads[0].Content != "pushpublishname yt\nurl rtmp://a/k1\n" {
		t.Fatalf("unexpected mapping uploads %+v", uploads)
	}

	// A fresh controller has an empty cache and must rebuild from storage.
	restarted := newMediaController(t, stub, dialer, store)
	orch = New(store, restarted, WithMetrics(metrics.New()))
	status, err := orch.Status(ctx, owner)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.IsLive || status.Stats == nil || !status.Stats.IsActive || !status.Stats.Estimated {
		t.Fatalf("expected live status rebuilt from storage, got %+v", status)
	}
	if len(status.Stats.Platforms) != 1 || status.Stats.Platforms[0].Code != "yt" {
		t.Fatalf("expected rebuilt platforms, got %+v", status.Stats.Platforms)
	}

	stopped, err := orch.Stop(ctx, owner, "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Transmission.Status != models.TransmissionFinished {
		t.Fatalf("unexpected stop result %+v", stopped)
	}
	idle, err := orch.Status(ctx, owner)
	if err != nil || idle.IsLive {
		t.Fatalf("expected idle after stop, got %+v err=%v", idle, err)
	}
}

// statusDuringStop runs a status read between the media stop and the row
// being finished, the window an unlocked Status call can land in.
type statusDuringStop struct {
	*mediaserver.Controller
	afterStop func()
}

func (s *statusDuringStop) StopStream(ctx context.Context, transmissionID string) error {
	err := s.Controller.StopStream(ctx, transmissionID)
	s.afterStop()
	return err
}

func TestStopEvictsSessionRebuiltDuringStop(t *testing.T) {
	stub := mediastub.Start(mediastub.Options{Username: "admin", Password: "s3cret"})
	t.Cleanup(stub.Close)
	dialer := remotestub.New(remotestub.Options{})

	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()
	if err := store.PutUserPlatform(ctx, models.UserPlatform{
		ID:        "up-yt",
		OwnerID:   owner.ID,
		Platform:  models.Platform{ID: "p-yt", Code: "yt", RTMPBaseURL: "rtmp://a"},
		StreamKey: "k1",
		Active:    true,
	}); err != nil {
		t.Fatalf("PutUserPlatform: %v", err)
	}

	ctrl := newMediaController(t, stub, dialer, store)
	media := &statusDuringStop{Controller: ctrl}
	orch := New(store, media, WithApplication(ctrl.Config().Application), WithMetrics(metrics.New()))
	media.afterStop = func() {
		status, err := orch.Status(ctx, owner)
		if err != nil || !status.IsLive {
			t.Errorf("expected the row to still read live mid-stop, got %+v err=%v", status, err)
		}
	}

	started, err := orch.Start(ctx, owner, StartRequest{Title: "T", PlatformIDs: []string{"up-yt"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := orch.Stop(ctx, owner, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats, err := ctrl.GetStreamStats(ctx, started.Transmission.ID)
	if err != nil {
		t.Fatalf("GetStreamStats: %v", err)
	}
	if stats.IsActive {
		t.Fatalf("finished transmission must not keep a cached session, got %+v", stats)
	}
}
