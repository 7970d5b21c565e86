package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Remote("start detached", cause)

	if !errors.Is(err, ErrRemoteExecution) {
		t.Fatalf("expected remote execution kind, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if got := err.Error(); got != "start detached: dial tcp: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}

	wrapped := fmt.Errorf("relay start: %w", err)
	if Kind(wrapped) != ErrRemoteExecution {
		t.Fatalf("expected kind to survive fmt wrapping")
	}
}

func TestPersistenceKeepsExistingKind(t *testing.T) {
	conflict := Conflict("owner %s already live", "u1")
	if err := Persistence("activate", conflict); !errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence) {
		t.Fatalf("expected conflict to pass through untouched, got %v", err)
	}
	if err := Persistence("activate", nil); err != nil {
		t.Fatalf("expected nil for nil cause, got %v", err)
	}
	if err := Persistence("activate", errors.New("disk full")); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence kind, got %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("title required"), http.StatusBadRequest},
		{Conflict("busy"), http.StatusConflict},
		{NotFound("no transmission"), http.StatusNotFound},
		{Remote("exec", errors.New("eof")), http.StatusBadGateway},
		{MediaServer("ensure application", errors.New("503")), http.StatusBadGateway},
		{Persistence("insert", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
