// Package errs defines the error kinds shared by the broadcast control plane.
//
// Every failure surfaced by the orchestrator, relay manager, media-server
// controller or remote process controller carries exactly one kind so that
// callers (the HTTP layer in particular) can map it without string matching.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Match them with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrRemoteExecution = errors.New("remote execution failed")
	ErrMediaServer     = errors.New("media server error")
	ErrPersistence     = errors.New("persistence error")
)

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation reports bad or missing input. No side effects have happened.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports that an active transmission or relay already exists.
func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Remote wraps a control-channel connect or exec failure.
func Remote(op string, err error) error {
	return &Error{Kind: ErrRemoteExecution, Op: op, Err: err}
}

// MediaServer wraps a control-API failure or an unreachable media server.
func MediaServer(op string, err error) error {
	return &Error{Kind: ErrMediaServer, Op: op, Err: err}
}

// Persistence wraps a store read or write failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *Error
	if errors.As(err, &kinded) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// Kind returns the sentinel kind carried by err, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrRemoteExecution, ErrMediaServer, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// HTTPStatus maps an error onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRemoteExecution, ErrMediaServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
