package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"livecast/internal/errs"
)

// EnsureResult reports what EnsureApplication found or did.
type EnsureResult struct {
	Existed bool `json:"existed"`
	Created bool `json:"created"`
}

type applicationConfig struct {
	ID          string `json:"id"`
	AppType     string `json:"appType"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Application is an entry of the server's application list.
type Application struct {
	ID      string `json:"id"`
	AppType string `json:"appType"`
	Href    string `json:"href,omitempty"`
}

// EnsureApplication creates the live application name unless it already
// exists. Calling it repeatedly is safe.
func (c *Controller) EnsureApplication(ctx context.Context, name string) (EnsureResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.cfg.Application
	}
	resp, err := c.api.do(ctx, "get_application", http.MethodGet, "/applications/"+url.PathEscape(name), nil)
	if err != nil {
		return EnsureResult{}, err
	}
	c.metrics.ObserveMediaCall("get_application", nil)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return EnsureResult{Existed: true}, nil
	}

	payload := applicationConfig{
		ID:          name,
		AppType:     "Live",
		Name:        name,
		Description: "Live streaming application managed by livecast",
	}
	if _, err := c.api.expectOK(ctx, "create_application", http.MethodPost, "/applications", payload); err != nil {
		c.logger.Error("create application failed", "application", name, "error", err)
		return EnsureResult{}, err
	}
	c.logger.Info("created media application", "application", name)
	return EnsureResult{Created: true}, nil
}

// TestConnection checks that the control API answers with a success status.
func (c *Controller) TestConnection(ctx context.Context) error {
	_, err := c.api.expectOK(ctx, "test_connection", http.MethodGet, "/applications", nil)
	return err
}

// ListApplications returns the applications configured on the vhost.
func (c *Controller) ListApplications(ctx context.Context) ([]Application, error) {
	resp, err := c.api.expectOK(ctx, "list_applications", http.MethodGet, "/applications", nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsJSON {
		return nil, errs.MediaServer("list_applications", fmt.Errorf("unexpected non-JSON body: %.120s", resp.Raw))
	}
	var envelope struct {
		Applications []Application `json:"applications"`
	}
	if err := json.Unmarshal([]byte(resp.Raw), &envelope); err != nil {
		return nil, errs.MediaServer("list_applications", fmt.Errorf("decode applications: %w", err))
	}
	return envelope.Applications, nil
}

// ServerInfo returns the raw server description.
func (c *Controller) ServerInfo(ctx context.Context) (Response, error) {
	return c.api.expectOK(ctx, "server_info", http.MethodGet, "/server", nil)
}
