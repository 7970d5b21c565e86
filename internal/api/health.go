package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	degrade := func() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		status := componentStatus{Component: "datastore", Status: "ok"}
		if err := h.Store.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			degrade()
		}
		components = append(components, status)
	}
	if h.Media != nil {
		for _, check := range h.Media.HealthChecks(ctx) {
			status := componentStatus{Component: check.Component, Status: check.Status, Error: check.Detail}
			if check.Status != "ok" {
				degrade()
			}
			components = append(components, status)
		}
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	if status != "ok" {
		h.logger().Warn("health check degraded", "components", components)
	}
	writeJSON(w, code, map[string]any{"status": status, "services": components})
}
