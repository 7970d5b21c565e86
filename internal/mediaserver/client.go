package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
	"golang.org/x/time/rate"

	"livecast/internal/errs"
	"livecast/internal/observability/metrics"
)

// Response is a decoded control API reply. Data holds the decoded JSON value
// or, when the body is not JSON, the raw text.
type Response struct {
	StatusCode int
	Data       any
	Raw        string
	IsJSON     bool
}

type apiClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	metrics *metrics.Recorder
}

func newAPIClient(cfg Config, recorder *metrics.Recorder) *apiClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	authed := *client
	authed.Transport = &digest.Transport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: client.Transport,
	}
	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &apiClient{
		baseURL: cfg.APIBaseURL(),
		client:  &authed,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		metrics: recorder,
	}
}

// do sends a request and returns the decoded reply for any status. Transport
// failures are wrapped as media server errors.
func (c *apiClient) do(ctx context.Context, op, method, path string, payload any) (Response, error) {
	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		c.metrics.ObserveMediaCall(op, err)
		return Response{}, errs.MediaServer(op, err)
	}
	return resp, nil
}

// expectOK is do plus a 2xx check.
func (c *apiClient) expectOK(ctx context.Context, op, method, path string, payload any) (Response, error) {
	resp, err := c.do(ctx, op, method, path, payload)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(resp.Raw))
		c.metrics.ObserveMediaCall(op, statusErr)
		return resp, errs.MediaServer(op, statusErr)
	}
	c.metrics.ObserveMediaCall(op, nil)
	return resp, nil
}

func (c *apiClient) send(ctx context.Context, method, path string, payload any) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return decodeResponse(resp.StatusCode, raw), nil
}

func decodeResponse(status int, raw []byte) Response {
	out := Response{StatusCode: status, Raw: string(raw)}
	if len(bytes.TrimSpace(raw)) == 0 {
		out.Data = map[string]any{}
		out.IsJSON = true
		return out
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		out.Data = string(raw)
		return out
	}
	out.Data = decoded
	out.IsJSON = true
	return out
}
