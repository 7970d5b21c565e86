package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"livecast/internal/mediaserver"
	"livecast/internal/models"
	"livecast/internal/orchestrator"
	"livecast/internal/relay"
	"livecast/internal/storage"
)

// Transmissions is the transmission lifecycle the handlers drive.
type Transmissions interface {
	Start(ctx context.Context, owner models.Owner, req orchestrator.StartRequest) (orchestrator.StartResult, error)
	Stop(ctx context.Context, owner models.Owner, transmissionID string) (orchestrator.StopResult, error)
	Status(ctx context.Context, owner models.Owner) (orchestrator.Status, error)
	History(ctx context.Context, ownerID string, page, limit int) (storage.TransmissionPage, error)
}

// Relays is the relay lifecycle the handlers drive.
type Relays interface {
	ValidateSource(ctx context.Context, source string) relay.Validation
	Start(ctx context.Context, owner models.Owner, req relay.StartRequest) (models.RelaySession, error)
	Stop(ctx context.Context, owner models.Owner) (relay.StopResult, error)
	Status(ctx context.Context, owner models.Owner) (models.RelaySession, error)
}

// ServerLister exposes the relay hosts a caller may target.
type ServerLister interface {
	Servers() []models.RemoteServer
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MediaHealth probes the media server.
type MediaHealth interface {
	HealthChecks(ctx context.Context) []mediaserver.HealthStatus
}

type Handler struct {
	Transmissions Transmissions
	Relays        Relays
	Servers       ServerLister
	Store         Pinger
	Media         MediaHealth
	Metrics       http.Handler
	Logger        *slog.Logger
}

func NewHandler(transmissions Transmissions, relays Relays) *Handler {
	return &Handler{Transmissions: transmissions, Relays: relays, Logger: slog.Default()}
}

// Routes registers every endpoint on a new router.
func (h *Handler) Routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if h.Metrics != nil {
		router.Handle("/metrics", h.Metrics).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(ownerMiddleware)
	v1.HandleFunc("/transmissions", h.StartTransmission).Methods(http.MethodPost)
	v1.HandleFunc("/transmissions", h.TransmissionHistory).Methods(http.MethodGet)
	v1.HandleFunc("/transmissions/stop", h.StopTransmission).Methods(http.MethodPost)
	v1.HandleFunc("/transmissions/status", h.TransmissionStatus).Methods(http.MethodGet)

	v1.HandleFunc("/relay/validate", h.ValidateRelaySource).Methods(http.MethodPost)
	v1.HandleFunc("/relay/start", h.StartRelay).Methods(http.MethodPost)
	v1.HandleFunc("/relay/stop", h.StopRelay).Methods(http.MethodPost)
	v1.HandleFunc("/relay/status", h.RelayStatus).Methods(http.MethodGet)
	v1.HandleFunc("/relay/servers", h.RelayServers).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	})
	return router
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
