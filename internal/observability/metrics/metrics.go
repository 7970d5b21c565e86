package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// CallLabel identifies an outbound operation against an external dependency.
type CallLabel struct {
	Operation string
	Outcome   string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// transmission and relay lifecycle events, remote host operations and media
// server API calls.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	transmissionEvents map[string]uint64
	relayEvents        map[string]uint64
	remoteOps          map[CallLabel]uint64
	mediaCalls         map[CallLabel]uint64
	dependencyValue    map[string]float64
	dependencyState    map[string]string
	activeTransmission atomic.Int64
	activeRelays       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.init()
	return r
}

func (r *Recorder) init() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.transmissionEvents = make(map[string]uint64)
	r.relayEvents = make(map[string]uint64)
	r.remoteOps = make(map[CallLabel]uint64)
	r.mediaCalls = make(map[CallLabel]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// TransmissionStarted records a transmission reaching the active state.
func (r *Recorder) TransmissionStarted() {
	r.incrementEvent(r.transmissionEvents, "start")
	r.activeTransmission.Add(1)
}

// TransmissionFailed records a start attempt that ended in error.
func (r *Recorder) TransmissionFailed() {
	r.incrementEvent(r.transmissionEvents, "fail")
}

// TransmissionRejected records a start refused because the owner is live.
func (r *Recorder) TransmissionRejected() {
	r.incrementEvent(r.transmissionEvents, "conflict")
}

// TransmissionStopped records a finalized transmission.
func (r *Recorder) TransmissionStopped() {
	r.incrementEvent(r.transmissionEvents, "stop")
	r.decrementGauge(&r.activeTransmission)
}

func (r *Recorder) RelayStarted() {
	r.incrementEvent(r.relayEvents, "start")
	r.activeRelays.Add(1)
}

func (r *Recorder) RelayFailed() {
	r.incrementEvent(r.relayEvents, "fail")
}

func (r *Recorder) RelayStopped() {
	r.incrementEvent(r.relayEvents, "stop")
	r.decrementGauge(&r.activeRelays)
}

func (r *Recorder) incrementEvent(events map[string]uint64, event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	events[normalized]++
	r.mu.Unlock()
}

// ObserveRemoteOperation counts a remote host operation (exec, upload,
// screen start) and whether it failed.
func (r *Recorder) ObserveRemoteOperation(operation string, err error) {
	label := CallLabel{Operation: normalizeName(operation), Outcome: outcome(err)}
	r.mu.Lock()
	r.remoteOps[label]++
	r.mu.Unlock()
}

// ObserveMediaCall counts a media server control API call.
func (r *Recorder) ObserveMediaCall(operation string, err error) {
	label := CallLabel{Operation: normalizeName(operation), Outcome: outcome(err)}
	r.mu.Lock()
	r.mediaCalls[label]++
	r.mu.Unlock()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ActiveTransmissions exposes the gauge of transmissions currently live.
func (r *Recorder) ActiveTransmissions() int64 {
	return r.activeTransmission.Load()
}

// ActiveRelays exposes the gauge of relays currently running.
func (r *Recorder) ActiveRelays() int64 {
	return r.activeRelays.Load()
}

// SetDependencyHealth stores the latest health check result for a
// dependency such as the database or the media server.
func (r *Recorder) SetDependencyHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedComponent] = value
	r.dependencyState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// RemoteCounts returns a copy of the remote operation counters.
func (r *Recorder) RemoteCounts() map[CallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[CallLabel]uint64, len(r.remoteOps))
	for k, v := range r.remoteOps {
		out[k] = v
	}
	return out
}

// MediaCallCounts returns a copy of the media server call counters.
func (r *Recorder) MediaCallCounts() map[CallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[CallLabel]uint64, len(r.mediaCalls))
	for k, v := range r.mediaCalls {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.activeTransmission.Store(0)
	r.activeRelays.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP livecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE livecast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP livecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP livecast_transmission_events_total Transmission lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livecast_transmission_events_total counter")
	for _, event := range sortedKeys(r.transmissionEvents) {
		fmt.Fprintf(w, "livecast_transmission_events_total{event=\"%s\"} %d\n", event, r.transmissionEvents[event])
	}

	fmt.Fprintln(w, "# HELP livecast_active_transmissions Current number of transmissions marked as live")
	fmt.Fprintln(w, "# TYPE livecast_active_transmissions gauge")
	fmt.Fprintf(w, "livecast_active_transmissions %d\n", r.activeTransmission.Load())

	fmt.Fprintln(w, "# HELP livecast_relay_events_total Relay lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livecast_relay_events_total counter")
	for _, event := range sortedKeys(r.relayEvents) {
		fmt.Fprintf(w, "livecast_relay_events_total{event=\"%s\"} %d\n", event, r.relayEvents[event])
	}

	fmt.Fprintln(w, "# HELP livecast_active_relays Current number of relays marked as running")
	fmt.Fprintln(w, "# TYPE livecast_active_relays gauge")
	fmt.Fprintf(w, "livecast_active_relays %d\n", r.activeRelays.Load())

	fmt.Fprintln(w, "# HELP livecast_remote_operations_total Remote host operations by operation and outcome")
	fmt.Fprintln(w, "# TYPE livecast_remote_operations_total counter")
	for _, label := range sortedCallLabels(r.remoteOps) {
		fmt.Fprintf(w, "livecast_remote_operations_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.remoteOps[label])
	}

	fmt.Fprintln(w, "# HELP livecast_media_api_calls_total Media server control API calls by operation and outcome")
	fmt.Fprintln(w, "# TYPE livecast_media_api_calls_total counter")
	for _, label := range sortedCallLabels(r.mediaCalls) {
		fmt.Fprintf(w, "livecast_media_api_calls_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.mediaCalls[label])
	}

	fmt.Fprintln(w, "# HELP livecast_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE livecast_dependency_health gauge")
	for _, component := range sortedKeys(r.dependencyValue) {
		fmt.Fprintf(w, "livecast_dependency_health{component=\"%s\",status=\"%s\"} %f\n", component, r.dependencyState[component], r.dependencyValue[component])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCallLabels(m map[CallLabel]uint64) []CallLabel {
	labels := make([]CallLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier matches UUIDs, long hex tokens and segments that carry
// three or more digits. Plain route words such as "transmissions" are kept.
func looksLikeIdentifier(segment string) bool {
	if _, err := uuid.Parse(segment); err == nil {
		return true
	}
	digitCount := 0
	hex := true
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			digitCount++
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			hex = false
		}
	}
	if hex && len(segment) >= 16 {
		return true
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
