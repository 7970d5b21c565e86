package api

import (
	"net/http"
	"sort"

	"livecast/internal/relay"
)

type validateRelayRequest struct {
	SourceURL string `json:"sourceUrl"`
}

// ValidateRelaySource always answers 200; validity is in the body.
func (h *Handler) ValidateRelaySource(w http.ResponseWriter, r *http.Request) {
	var req validateRelayRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Relays.ValidateSource(r.Context(), req.SourceURL))
}

func (h *Handler) StartRelay(w http.ResponseWriter, r *http.Request) {
	var req relay.StartRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.Relays.Start(r.Context(), ownerFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) StopRelay(w http.ResponseWriter, r *http.Request) {
	result, err := h.Relays.Stop(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) RelayStatus(w http.ResponseWriter, r *http.Request) {
	session, err := h.Relays.Status(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type serverView struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Host string `json:"host"`
}

// RelayServers lists the hosts relays may target. Credentials are never
// included.
func (h *Handler) RelayServers(w http.ResponseWriter, r *http.Request) {
	views := make([]serverView, 0)
	if h.Servers != nil {
		for _, server := range h.Servers.Servers() {
			views = append(views, serverView{ID: server.ID, Name: server.Name, Host: server.Host})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}
