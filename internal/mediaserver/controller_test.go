package mediaserver_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"livecast/internal/errs"
	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/observability/metrics"
	"livecast/internal/remote"
	"livecast/internal/testsupport/mediastub"
	"livecast/internal/testsupport/redisstub"
	"livecast/internal/testsupport/remotestub"
)

type harness struct {
	stub   *mediastub.Server
	dialer *remotestub.Dialer
	ctrl   *mediaserver.Controller
	now    time.Time
}

func newHarness(t *testing.T, stubOpts mediastub.Options, opts ...mediaserver.Option) *harness {
	t.Helper()
	stubOpts.Username = "admin"
	stubOpts.Password = "s3cret"
	stub := mediastub.Start(stubOpts)
	t.Cleanup(stub.Close)

	h := &harness{stub: stub, dialer: remotestub.New(remotestub.Options{}), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := mediaserver.Config{
		Host:        "media.example.com",
		APIEndpoint: stub.URL(),
		Username:    "admin",
		Password:    "s3cret",
		HTTPClient:  stub.Client(),
		SSH:         remote.Credentials{Password: "ssh"},
	}
	recorder := metrics.New()
	transfer := remote.NewController(h.dialer, remote.WithMetrics(recorder))
	base := []mediaserver.Option{
		mediaserver.WithClock(func() time.Time { return h.now }),
		mediaserver.WithMetrics(recorder),
	}
	ctrl, err := mediaserver.NewController(cfg, transfer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

// TestEnsureApplicationIsIdempotent creates the application once and then
// finds it on the second call.
func TestEnsureApplicationIsIdempotent(t *testing.T) {
	h := newHarness(t, mediastub.Options{})

	first, err := h.ctrl.EnsureApplication(context.Background(), "live")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.Existed || !first.Created {
		t.Fatalf("expected creation on first call, got %+v", first)
	}
	second, err := h.ctrl.EnsureApplication(context.Background(), "live")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if !second.Existed || second.Created {
		t.Fatalf("expected existing application on second call, got %+v", second)
	}

	ops := h.stub.Operations()
	var creates int
	for _, op := range ops {
		if op.Method == "POST" && op.Path == "/applications" {
			creates++
			if op.Body["appType"] != "Live" || op.Body["id"] != "live" || op.Body["name"] != "live" {
				t.Fatalf("unexpected create payload %v", op.Body)
			}
		}
	}
	if creates != 1 {
		t.Fatalf("expected exactly one create, got %d", creates)
	}
	if h.stub.Challenges() == 0 {
		t.Fatalf("expected digest challenge to be exercised")
	}
}

func TestEnsureApplicationCreateFailure(t *testing.T) {
	h := newHarness(t, mediastub.Options{FailCreate: true})

	_, err := h.ctrl.EnsureApplication(context.Background(), "live")
	if !errors.Is(err, errs.ErrMediaServer) {
		t.Fatalf("expected media server error, got %v", err)
	}
}

func TestWrongCredentialsFail(t *testing.T) {
	stub := mediastub.Start(mediastub.Options{Username: "admin", Password: "right"})
	defer stub.Close()
	ctrl, err := mediaserver.NewController(mediaserver.Config{
		Host: "h", APIEndpoint: stub.URL(), Username: "admin", Password: "wrong", HTTPClient: stub.Client(),
	}, remote.NewController(remotestub.New(remotestub.Options{})), mediaserver.WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := ctrl.TestConnection(context.Background()); !errors.Is(err, errs.ErrMediaServer) {
		t.Fatalf("expected media server error for bad credentials, got %v", err)
	}
}

func TestListApplicationsAndServerInfo(t *testing.T) {
	h := newHarness(t, mediastub.Options{Applications: []string{"live", "vod"}})

	apps, err := h.ctrl.ListApplications(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 2 || apps[0].ID != "live" || apps[1].ID != "vod" {
		t.Fatalf("unexpected applications %+v", apps)
	}

	info, err := h.ctrl.ServerInfo(context.Background())
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	if info.IsJSON || info.Data != "Wowza Streaming Engine 4.8.27" {
		t.Fatalf("expected raw text fallback, got %+v", info)
	}
}

func TestHealthChecksReportFailure(t *testing.T) {
	h := newHarness(t, mediastub.Options{FailList: true})
	checks := h.ctrl.HealthChecks(context.Background())
	if len(checks) != 1 || checks[0].Status != "error" || !strings.Contains(checks[0].Detail, "503") {
		t.Fatalf("unexpected health %+v", checks)
	}
}

func startDescriptor() mediaserver.StartDescriptor {
	return mediaserver.StartDescriptor{
		TransmissionID: "tx-1",
		OwnerID:        "owner-1",
		StreamName:     "stream_owner-1_1",
		Platforms: []mediaserver.PushTarget{
			{Code: "yt", RTMPURL: "rtmp://a", StreamKey: "k1"},
			{Code: "fb", RTMPURL: "rtmp://b", StreamKey: "k2"},
		},
	}
}

// TestStartStreamDeploysMappingAndRegistersSession walks the full start path.
func TestStartStreamDeploysMappingAndRegistersSession(t *testing.T) {
	h := newHarness(t, mediastub.Options{})

	desc := startDescriptor()
	desc.Videos = []models.Video{{Name: "intro", URI: "/videos/intro.mp4", Duration: 30}, {Name: "main", URI: "/videos/main.mp4", Duration: 600}}
	desc.Playlist = models.PlaylistSettings{Logo: &models.LogoOverlay{URL: "https://cdn/logo.png", Position: "top-right", Opacity: 80, MarginX: 10, MarginY: 12}}

	result, err := h.ctrl.StartStream(context.Background(), desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.RTMPURL != "rtmp://media.example.com:1935/live" || result.StreamKey != "stream_owner-1_1" {
		t.Fatalf("unexpected ingest %+v", result)
	}
	if result.HLSURL != "http://media.example.com:1935/live/stream_owner-1_1/playlist.m3u8" {
		t.Fatalf("unexpected hls url %s", result.HLSURL)
	}
	if result.DASHURL != "http://media.example.com:1935/live/stream_owner-1_1/manifest.mpd" {
		t.Fatalf("unexpected dash url %s", result.DASHURL)
	}
	if result.Bitrate != 2500 {
		t.Fatalf("expected default bitrate, got %d", result.Bitrate)
	}
	if result.Playlist == nil || result.Playlist.Name != "stream_owner-1_1_playlist" || !result.Playlist.Repeat || len(result.Playlist.Videos) != 2 {
		t.Fatalf("unexpected playlist %+v", result.Playlist)
	}
	if result.Playlist.Videos[0].Name != "intro" {
		t.Fatalf("expected unshuffled order, got %+v", result.Playlist.Videos)
	}
	if logo := result.Playlist.Overlay.Logo; logo.Opacity != 0.8 || logo.MarginY != 12 {
		t.Fatalf("unexpected overlay %+v", logo)
	}

	uploads := h.dialer.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(uploads))
	}
	if uploads[0].RemotePath != "/usr/local/WowzaStreamingEngine/conf/pushpublish/map.publish_stream_owner-1_1.txt" {
		t.Fatalf("unexpected mapping path %s", uploads[0].RemotePath)
	}
	if uploads[0].Host != "media.example.com" {
		t.Fatalf("expected upload to media host, got %s", uploads[0].Host)
	}
	if !strings.Contains(uploads[0].Content, "url rtmp://b/k2") {
		t.Fatalf("unexpected mapping content %q", uploads[0].Content)
	}

	h.now = h.now.Add(3725 * time.Second)
	stats, err := h.ctrl.GetStreamStats(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.IsActive || stats.Uptime != "01:02:05" || stats.TotalVideos != 2 || stats.CurrentVideo != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.Estimated || stats.Source != "placeholder" {
		t.Fatalf("expected placeholder telemetry to be flagged, got %+v", stats)
	}

	if err := h.ctrl.StopStream(context.Background(), "tx-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.ctrl.StopStream(context.Background(), "tx-1"); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	stats, err = h.ctrl.GetStreamStats(context.Background(), "tx-1")
	if err != nil || stats.IsActive || stats.Uptime != "00:00:00" {
		t.Fatalf("expected inactive stats after stop, got %+v %v", stats, err)
	}
}

func TestStartStreamGeneratesName(t *testing.T) {
	h := newHarness(t, mediastub.Options{Applications: []string{"live"}})
	desc := startDescriptor()
	desc.StreamName = ""

	result, err := h.ctrl.StartStream(context.Background(), desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	want := "stream_owner-1_" + "1772366400000"
	if result.StreamName != want {
		t.Fatalf("expected generated name %s, got %s", want, result.StreamName)
	}
}

// TestStartStreamDeployFailureLeavesNoSession ensures a failed upload aborts
// the start without registering a session.
func TestStartStreamDeployFailureLeavesNoSession(t *testing.T) {
	stub := mediastub.Start(mediastub.Options{Username: "admin", Password: "pw"})
	defer stub.Close()
	cache := mediaserver.NewMemorySessionCache()
	dialer := remotestub.New(remotestub.Options{UploadErr: errors.New("permission denied")})
	ctrl, err := mediaserver.NewController(mediaserver.Config{
		Host: "h", APIEndpoint: stub.URL(), Username: "admin", Password: "pw", HTTPClient: stub.Client(),
		SSH: remote.Credentials{Password: "x"},
	}, remote.NewController(dialer, remote.WithMetrics(metrics.New())), mediaserver.WithSessionCache(cache), mediaserver.WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	_, err = ctrl.StartStream(context.Background(), startDescriptor())
	if !errors.Is(err, errs.ErrRemoteExecution) {
		t.Fatalf("expected remote execution error, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected no session after failed start")
	}
}

func TestStartStreamShufflesWithInjectedSource(t *testing.T) {
	h := newHarness(t, mediastub.Options{}, mediaserver.WithShuffleSource(func(n int) int { return 0 }))
	desc := startDescriptor()
	desc.Videos = []models.Video{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	desc.Playlist = models.PlaylistSettings{Shuffle: true}

	result, err := h.ctrl.StartStream(context.Background(), desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var names []string
	for _, v := range result.Playlist.Videos {
		names = append(names, v.Name)
	}
	// intn always 0: [a b c] -> swap(2,0) [c b a] -> swap(1,0) [b c a]
	if strings.Join(names, ",") != "b,c,a" {
		t.Fatalf("unexpected shuffle order %v", names)
	}
}

type countingSource struct {
	calls   atomic.Int32
	release chan struct{}
	session mediaserver.Session
}

func (s *countingSource) RebuildSession(ctx context.Context, id string) (mediaserver.Session, bool, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if id != s.session.TransmissionID {
		return mediaserver.Session{}, false, nil
	}
	return s.session, true, nil
}

// TestStatsRebuildFromSourceOnMiss verifies a cold cache is reconciled from
// persisted records, with concurrent misses sharing one rebuild.
func TestStatsRebuildFromSourceOnMiss(t *testing.T) {
	source := &countingSource{
		release: make(chan struct{}),
		session: mediaserver.Session{TransmissionID: "tx-9", StreamName: "s9", StartedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	h := newHarness(t, mediastub.Options{}, mediaserver.WithSessionSource(source))

	var wg sync.WaitGroup
	results := make([]mediaserver.Stats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := h.ctrl.GetStreamStats(context.Background(), "tx-9")
			if err != nil {
				t.Errorf("stats: %v", err)
			}
			results[i] = stats
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()

	if calls := source.calls.Load(); calls < 1 || calls > 8 {
		t.Fatalf("unexpected rebuild count %d", calls)
	}
	for _, stats := range results {
		if !stats.IsActive || stats.Uptime != "01:00:00" {
			t.Fatalf("unexpected rebuilt stats %+v", stats)
		}
	}

	before := source.calls.Load()
	if _, err := h.ctrl.GetStreamStats(context.Background(), "tx-9"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if source.calls.Load() != before {
		t.Fatalf("expected cached session to be reused")
	}

	stats, err := h.ctrl.GetStreamStats(context.Background(), "unknown")
	if err != nil || stats.IsActive {
		t.Fatalf("expected inactive stats for unknown id, got %+v %v", stats, err)
	}
}

func TestRedisSessionCacheRoundTrip(t *testing.T) {
	server, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	cache := mediaserver.NewRedisSessionCache(client, "", time.Hour)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "tx-1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	session := mediaserver.Session{TransmissionID: "tx-1", StreamName: "s1", Platforms: []mediaserver.PushTarget{{Code: "yt"}}}
	if err := cache.Put(ctx, session); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := cache.Get(ctx, "tx-1")
	if err != nil || !ok || got.StreamName != "s1" || len(got.Platforms) != 1 {
		t.Fatalf("unexpected cached session %+v ok=%v err=%v", got, ok, err)
	}
	if err := cache.Delete(ctx, "tx-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "tx-1"); ok {
		t.Fatalf("expected session removed")
	}
}
