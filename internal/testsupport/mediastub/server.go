// Package mediastub hosts a deterministic fake of the media server control
// API. It issues real digest challenges, verifies the responses and records
// every call so media server tests can assert on the exact traffic.
package mediastub

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

const (
	realm    = "Wowza"
	nonce    = "dcd98b7102dd2f0e8b11d0f600bfb0c093"
	basePath = "/v2/servers/_defaultServer_/vhosts/_defaultVHost_"
)

// Options describes how the fake media server should behave.
type Options struct {
	Username string
	Password string

	// Applications exist before the first request.
	Applications []string

	// FailCreate makes application creation return HTTP 500.
	FailCreate bool

	// FailList makes GET /applications return HTTP 503.
	FailList bool
}

// Operation is a recorded authenticated request.
type Operation struct {
	Method string
	Path   string
	Body   map[string]any
	Status int
}

// Server wraps an httptest.Server speaking the control API.
type Server struct {
	server *httptest.Server
	opts   Options

	mu           sync.Mutex
	operations   []Operation
	applications map[string]bool
	challenges   int
}

// Start spins up a new media server stub.
func Start(opts Options) *Server {
	s := &Server{opts: opts, applications: make(map[string]bool)}
	for _, app := range opts.Applications {
		s.applications[app] = true
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// URL returns the API endpoint root, without the server/vhost path.
func (s *Server) URL() string {
	return s.server.URL
}

// Client returns an HTTP client wired to the stub.
func (s *Server) Client() *http.Client {
	return s.server.Client()
}

// Operations returns a copy of all recorded operations in order.
func (s *Server) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// Applications lists the applications that currently exist.
func (s *Server) Applications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.applications))
	for app := range s.applications {
		out = append(out, app)
	}
	sort.Strings(out)
	return out
}

// Challenges returns how many 401 digest challenges were issued.
func (s *Server) Challenges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenges
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.mu.Lock()
		s.challenges++
		s.mu.Unlock()
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth", algorithm=MD5`, realm, nonce))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, basePath) {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, basePath)

	var body map[string]any
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
	}

	status := http.StatusOK
	switch {
	case r.Method == http.MethodGet && path == "/applications":
		status = s.handleList(w)
	case r.Method == http.MethodPost && path == "/applications":
		status = s.handleCreate(w, body)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/applications/"):
		status = s.handleGet(w, strings.TrimPrefix(path, "/applications/"))
	case r.Method == http.MethodGet && path == "/server":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "Wowza Streaming Engine 4.8.27")
	default:
		status = http.StatusNotFound
		http.Error(w, "unexpected request", status)
	}

	s.mu.Lock()
	s.operations = append(s.operations, Operation{Method: r.Method, Path: path, Body: body, Status: status})
	s.mu.Unlock()
}

func (s *Server) handleList(w http.ResponseWriter) int {
	if s.opts.FailList {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	type app struct {
		ID      string `json:"id"`
		AppType string `json:"appType"`
		Href    string `json:"href"`
	}
	apps := make([]app, 0)
	for _, name := range s.Applications() {
		apps = append(apps, app{ID: name, AppType: "Live", Href: basePath + "/applications/" + name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverName": "_defaultServer_", "applications": apps})
	return http.StatusOK
}

func (s *Server) handleGet(w http.ResponseWriter, name string) int {
	s.mu.Lock()
	exists := s.applications[name]
	s.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Application not found"})
		return http.StatusNotFound
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": name, "appType": "Live"})
	return http.StatusOK
}

func (s *Server) handleCreate(w http.ResponseWriter, body map[string]any) int {
	if s.opts.FailCreate {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	name, _ := body["id"].(string)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "id required"})
		return http.StatusBadRequest
	}
	s.mu.Lock()
	s.applications[name] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": "Application (" + name + ") created successfully."})
	return http.StatusCreated
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Digest ") {
		return false
	}
	params := parseDigest(strings.TrimPrefix(header, "Digest "))
	if params["username"] != s.opts.Username || params["realm"] != realm || params["nonce"] != nonce {
		return false
	}
	ha1 := md5Hex(s.opts.Username + ":" + realm + ":" + s.opts.Password)
	ha2 := md5Hex(r.Method + ":" + params["uri"])
	var expected string
	if params["qop"] != "" {
		expected = md5Hex(strings.Join([]string{ha1, nonce, params["nc"], params["cnonce"], params["qop"], ha2}, ":"))
	} else {
		expected = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return params["response"] == expected
}

// parseDigest splits a digest credentials list into its parameters.
func parseDigest(value string) map[string]string {
	params := make(map[string]string)
	for len(value) > 0 {
		value = strings.TrimLeft(value, " ,")
		eq := strings.IndexByte(value, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(value[:eq])
		value = value[eq+1:]
		var val string
		if strings.HasPrefix(value, `"`) {
			end := strings.IndexByte(value[1:], '"')
			if end < 0 {
				val, value = value[1:], ""
			} else {
				val, value = value[1:end+1], value[end+2:]
			}
		} else {
			end := strings.IndexByte(value, ',')
			if end < 0 {
				val, value = value, ""
			} else {
				val, value = value[:end], value[end+1:]
			}
		}
		params[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	return params
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
