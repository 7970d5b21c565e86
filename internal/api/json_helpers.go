package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"livecast/internal/errs"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto a status through its errs kind.
func writeError(w http.ResponseWriter, err error) {
	response := errorResponse{Error: err.Error()}
	if kind := errs.Kind(err); kind != nil {
		response.Kind = kindName(kind)
	}
	writeJSON(w, errs.HTTPStatus(err), response)
}

// WriteError is an exported helper for returning JSON API errors from
// middleware outside this package.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func kindName(kind error) string {
	switch kind {
	case errs.ErrValidation:
		return "validation"
	case errs.ErrConflict:
		return "conflict"
	case errs.ErrNotFound:
		return "not_found"
	case errs.ErrRemoteExecution:
		return "remote_execution"
	case errs.ErrMediaServer:
		return "media_server"
	case errs.ErrPersistence:
		return "persistence"
	default:
		return ""
	}
}

// decodeJSON reads a single JSON object into dest. An empty body leaves dest
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, dest interface{}, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return errs.Validation("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errs.Validation("request body is required")
		}
		return errs.Validation("invalid request body: %v", err)
	}
	if decoder.More() {
		return errs.Validation("invalid request body: unexpected data after JSON object")
	}
	return nil
}
