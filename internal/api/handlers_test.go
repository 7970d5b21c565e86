package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/errs"
	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/observability/metrics"
	"livecast/internal/orchestrator"
	"livecast/internal/relay"
	"livecast/internal/remote"
	"livecast/internal/storage"
)

type stubMedia struct {
	startErr error
	health   string
}

func (s *stubMedia) StartStream(_ context.Context, desc mediaserver.StartDescriptor) (mediaserver.StartResult, error) {
	if s.startErr != nil {
		return mediaserver.StartResult{}, s.startErr
	}
	return mediaserver.StartResult{StreamName: "stream_" + desc.OwnerID, ApplicationName: "live", Bitrate: 2500}, nil
}

func (s *stubMedia) StopStream(context.Context, string) error { return nil }

func (s *stubMedia) ForgetSession(context.Context, string) error { return nil }

func (s *stubMedia) GetStreamStats(context.Context, string) (mediaserver.Stats, error) {
	return mediaserver.Stats{IsActive: true, Viewers: 7, Bitrate: 2600, Uptime: "00:00:10"}, nil
}

func (s *stubMedia) HealthChecks(context.Context) []mediaserver.HealthStatus {
	status := s.health
	if status == "" {
		status = "ok"
	}
	return []mediaserver.HealthStatus{{Component: "media_server", Status: status}}
}

type stubSupervisor struct{}

func (stubSupervisor) Start(context.Context, remote.Credentials, string, string) error { return nil }
func (stubSupervisor) Stop(context.Context, remote.Credentials, string) error          { return nil }
func (stubSupervisor) Liveness(context.Context, remote.Credentials, string) (remote.Liveness, error) {
	return remote.LivenessRunning, nil
}

type stubServers []models.RemoteServer

func (s stubServers) Resolve(id string) (models.RemoteServer, error) {
	for _, server := range s {
		if server.ID == id || (id == "" && server.ID == "default") {
			return server, nil
		}
	}
	return models.RemoteServer{}, errs.NotFound("server %s not found", id)
}

func (s stubServers) Servers() []models.RemoteServer { return s }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("disk unavailable") }

type apiHarness struct {
	handler *Handler
	router  http.Handler
	media   *stubMedia
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if err := store.PutUserPlatform(context.Background(), models.UserPlatform{
		ID:        "up-yt",
		OwnerID:   "owner-1",
		Platform:  models.Platform{ID: "p-yt", Code: "yt", RTMPBaseURL: "rtmp://a"},
		StreamKey: "k1",
		Active:    true,
	}); err != nil {
		t.Fatalf("PutUserPlatform: %v", err)
	}

	media := &stubMedia{}
	recorder := metrics.New()
	servers := stubServers{
		{ID: "default", Host: "relay.example.com", Password: "secret"},
		{ID: "edge-1", Name: "Edge", Host: "edge.example.com"},
	}
	orch := orchestrator.New(store, media, orchestrator.WithMetrics(recorder))
	relays := relay.NewManager(relay.Config{}, store, servers, stubSupervisor{},
		relay.WithMetrics(recorder),
		relay.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	handler := NewHandler(orch, relays)
	handler.Servers = servers
	handler.Store = store
	handler.Media = media
	handler.Metrics = recorder.Handler()
	return &apiHarness{handler: handler, router: handler.Routes(), media: media}
}

func (h *apiHarness) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	if owner != "" {
		req.Header.Set(ownerIDHeader, owner)
		req.Header.Set(ownerEmailHeader, "ana@example.com")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestTransmissionEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/transmissions", "owner-1", map[string]any{"title": "T", "platformIds": []string{"up-yt"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	started := decodeBody[orchestrator.StartResult](t, rec)
	if started.Transmission.Status != models.TransmissionActive || !started.Stream.IsLive || len(started.Platforms) != 1 {
		t.Fatalf("unexpected start response %+v", started)
	}

	rec = h.do(t, http.MethodPost, "/v1/transmissions", "owner-1", map[string]any{"title": "again", "platformIds": []string{"up-yt"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}
	if body := decodeBody[errorResponse](t, rec); body.Kind != "conflict" {
		t.Fatalf("expected conflict kind, got %+v", body)
	}

	rec = h.do(t, http.MethodGet, "/v1/transmissions/status", "owner-1", nil)
	status := decodeBody[orchestrator.Status](t, rec)
	if rec.Code != http.StatusOK || !status.IsLive || status.Stats == nil || status.Stats.Viewers != 7 {
		t.Fatalf("unexpected status %d %+v", rec.Code, status)
	}

	rec = h.do(t, http.MethodPost, "/v1/transmissions/stop", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPost, "/v1/transmissions/stop", "owner-1", map[string]string{"transmissionId": started.Transmission.ID})
	if stopped := decodeBody[orchestrator.StopResult](t, rec); rec.Code != http.StatusOK || !stopped.AlreadyStopped {
		t.Fatalf("repeated stop: expected no-op, got %d %+v", rec.Code, stopped)
	}
	rec = h.do(t, http.MethodPost, "/v1/transmissions/stop", "owner-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stop without live transmission: expected 404, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/transmissions?page=1&limit=5", "owner-1", nil)
	page := decodeBody[storage.TransmissionPage](t, rec)
	if rec.Code != http.StatusOK || page.Total != 1 || page.Limit != 5 {
		t.Fatalf("unexpected history %d %+v", rec.Code, page)
	}
}

func TestTransmissionErrorsMapToStatus(t *testing.T) {
	h := newAPIHarness(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "missing title", method: http.MethodPost, path: "/v1/transmissions", body: map[string]any{"platformIds": []string{"up-yt"}}, want: http.StatusBadRequest},
		{name: "malformed json", method: http.MethodPost, path: "/v1/transmissions", body: "{", want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/transmissions", body: `{"title":"T","colour":"red"}`, want: http.StatusBadRequest},
		{name: "bad page", method: http.MethodGet, path: "/v1/transmissions?page=x", want: http.StatusBadRequest},
		{name: "unknown route", method: http.MethodGet, path: "/v1/nothing", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, "owner-1", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	h.media.startErr = errs.MediaServer("create_application", errors.New("status 500"))
	rec := h.do(t, http.MethodPost, "/v1/transmissions", "owner-1", map[string]any{"title": "T", "platformIds": []string{"up-yt"}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("media failure: expected 502, got %d", rec.Code)
	}
}

func TestOwnerHeaderRequired(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/transmissions/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without owner, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ownerIDHeader) {
		t.Fatalf("expected header name in error, got %s", rec.Body.String())
	}
}

func TestRelayEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/relay/validate", "owner-1", map[string]string{"sourceUrl": "ftp://nope"})
	validation := decodeBody[relay.Validation](t, rec)
	if rec.Code != http.StatusOK || validation.Valid {
		t.Fatalf("expected invalid source with 200, got %d %+v", rec.Code, validation)
	}

	rec = h.do(t, http.MethodGet, "/v1/relay/status", "owner-1", nil)
	if session := decodeBody[models.RelaySession](t, rec); session.Status != models.RelayInactive {
		t.Fatalf("expected inactive relay, got %+v", session)
	}

	rec = h.do(t, http.MethodPost, "/v1/relay/stop", "owner-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stop without relay: expected 404, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/relay/start", "owner-1", map[string]string{"sourceUrl": "rtmp://src/app/key", "serverId": "edge-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start relay: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if session := decodeBody[models.RelaySession](t, rec); session.Status != models.RelayActive || session.ServerID != "edge-1" {
		t.Fatalf("unexpected relay session %+v", session)
	}

	rec = h.do(t, http.MethodPost, "/v1/relay/start", "owner-1", map[string]string{"sourceUrl": "rtmp://src/app/key"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second relay: expected 409, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/relay/stop", "owner-1", nil)
	if result := decodeBody[relay.StopResult](t, rec); rec.Code != http.StatusOK || result.Session.Status != models.RelayInactive {
		t.Fatalf("unexpected stop %d %+v", rec.Code, result)
	}

	rec = h.do(t, http.MethodGet, "/v1/relay/servers", "owner-1", nil)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "secret") || !strings.Contains(rec.Body.String(), "edge.example.com") {
		t.Fatalf("unexpected server listing %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}

	h.handler.Store = failingPinger{}
	h.media.health = "error"
	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "disk unavailable") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}
