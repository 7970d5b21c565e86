package api

import (
	"context"
	"net/http"
	"strings"

	"livecast/internal/models"
	"livecast/internal/observability/logging"
)

const (
	ownerIDHeader    = "X-Owner-ID"
	ownerEmailHeader = "X-Owner-Email"
)

type ownerContextKey struct{}

// ownerMiddleware rejects requests without an owner id and stores the owner
// in the request context.
func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ownerIDHeader))
		if id == "" {
			WriteError(w, http.StatusUnauthorized, "missing "+ownerIDHeader+" header")
			return
		}
		owner := models.Owner{ID: id, Email: strings.TrimSpace(r.Header.Get(ownerEmailHeader))}
		ctx := context.WithValue(r.Context(), ownerContextKey{}, owner)
		ctx = logging.ContextWithOwnerID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerFromContext returns the owner resolved by the owner middleware.
func OwnerFromContext(ctx context.Context) (models.Owner, bool) {
	owner, ok := ctx.Value(ownerContextKey{}).(models.Owner)
	return owner, ok
}

func ownerFrom(r *http.Request) models.Owner {
	owner, _ := OwnerFromContext(r.Context())
	return owner
}
