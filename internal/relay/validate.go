package relay

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"livecast/internal/models"
)

const probeUserAgent = "Mozilla/5.0 (compatible; StreamRelay/1.0)"

var rtmpPattern = regexp.MustCompile(`^rtmp://[^/]+/[^/]+/?.*`)

// Validation is the outcome of checking a relay source. It is a result, not
// an error: an unusable source is reported with Valid false.
type Validation struct {
	Valid      bool              `json:"valid"`
	Message    string            `json:"message"`
	SourceType models.SourceType `json:"sourceType,omitempty"`
	StatusCode int               `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ClassifySource guesses the source type from the URL shape.
func ClassifySource(source string) (models.SourceType, bool) {
	switch {
	case strings.Contains(source, ".m3u8"):
		return models.SourceM3U8, true
	case strings.HasPrefix(source, "rtmp://"):
		return models.SourceRTMP, true
	default:
		return "", false
	}
}

// ValidateSource probes m3u8 sources with a HEAD request and checks rtmp
// sources syntactically.
func (m *Manager) ValidateSource(ctx context.Context, source string) Validation {
	source = strings.TrimSpace(source)
	if source == "" {
		return Validation{Message: "source url is required"}
	}
	sourceType, ok := ClassifySource(source)
	if !ok {
		return Validation{Message: "source must be an rtmp:// url or an .m3u8 playlist"}
	}
	if sourceType == models.SourceRTMP {
		if rtmpPattern.MatchString(source) {
			return Validation{Valid: true, SourceType: sourceType, Message: "rtmp url is well formed"}
		}
		return Validation{SourceType: sourceType, Message: "rtmp url must name a host, an application and a stream"}
	}
	return m.probe(ctx, source)
}

func (m *Manager) probe(ctx context.Context, source string) Validation {
	result := Validation{SourceType: models.SourceM3U8}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, nil)
	if err != nil {
		result.Message = "m3u8 url is malformed"
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", probeUserAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		result.Message = "m3u8 url is unreachable"
		result.Error = err.Error()
		return result
	}
	resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode == http.StatusOK {
		result.Valid = true
		result.Message = "m3u8 url is reachable"
		return result
	}
	result.Message = fmt.Sprintf("m3u8 url returned status %d", resp.StatusCode)
	return result
}
