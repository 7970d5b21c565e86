package api

import (
	"net/http"
	"strconv"
	"strings"

	"livecast/internal/errs"
	"livecast/internal/orchestrator"
)

func (h *Handler) StartTransmission(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Transmissions.Start(r.Context(), ownerFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type stopTransmissionRequest struct {
	TransmissionID string `json:"transmissionId"`
}

func (h *Handler) StopTransmission(w http.ResponseWriter, r *http.Request) {
	var req stopTransmissionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Transmissions.Stop(r.Context(), ownerFrom(r), req.TransmissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TransmissionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Transmissions.Status(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) TransmissionHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Transmissions.History(r.Context(), ownerFrom(r).ID, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", name)
	}
	return value, nil
}
