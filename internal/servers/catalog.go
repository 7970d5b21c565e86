// Package servers resolves the remote hosts relays run on.
package servers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"livecast/internal/errs"
	"livecast/internal/models"
	"livecast/internal/remote"
)

// DefaultServerID names the fallback server used when a request does not
// pick one.
const DefaultServerID = "default"

const reloadDebounce = 250 * time.Millisecond

type catalogFile struct {
	Servers []models.RemoteServer `yaml:"servers"`
}

// Catalog holds the known relay hosts, optionally loaded from a YAML file
// and reloaded when that file changes.
type Catalog struct {
	path     string
	fallback models.RemoteServer
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]models.RemoteServer

	reloaded chan struct{}
}

func NewCatalog(path string, fallback models.RemoteServer, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback.ID == "" {
		fallback.ID = DefaultServerID
	}
	return &Catalog{
		path:     strings.TrimSpace(path),
		fallback: fallback,
		logger:   logger,
		servers:  make(map[string]models.RemoteServer),
		reloaded: make(chan struct{}, 1),
	}
}

// FallbackFromEnv reads the built-in relay host from LIVECAST_RELAY_*.
func FallbackFromEnv() (models.RemoteServer, error) {
	server := models.RemoteServer{
		ID:             DefaultServerID,
		Name:           "default",
		Host:           strings.TrimSpace(os.Getenv("LIVECAST_RELAY_HOST")),
		User:           strings.TrimSpace(os.Getenv("LIVECAST_RELAY_USER")),
		Password:       os.Getenv("LIVECAST_RELAY_PASSWORD"),
		PrivateKeyPath: strings.TrimSpace(os.Getenv("LIVECAST_RELAY_KEY_PATH")),
	}
	if raw := strings.TrimSpace(os.Getenv("LIVECAST_RELAY_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return models.RemoteServer{}, fmt.Errorf("invalid LIVECAST_RELAY_PORT %q", raw)
		}
		server.Port = port
	}
	if server.User == "" {
		server.User = "root"
	}
	return server, nil
}

// Load reads the catalog file. A missing path leaves only the fallback.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}
	servers, err := parseFile(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.servers = servers
	c.mu.Unlock()
	return nil
}

func parseFile(path string) (map[string]models.RemoteServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server catalog: %w", err)
	}
	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode server catalog: %w", err)
	}

	servers := make(map[string]models.RemoteServer, len(file.Servers))
	for i, server := range file.Servers {
		server.ID = strings.TrimSpace(server.ID)
		server.Host = strings.TrimSpace(server.Host)
		if server.ID == "" {
			return nil, fmt.Errorf("server catalog entry %d: id is required", i)
		}
		if server.Host == "" {
			return nil, fmt.Errorf("server catalog entry %q: host is required", server.ID)
		}
		if _, dup := servers[server.ID]; dup {
			return nil, fmt.Errorf("server catalog: duplicate id %q", server.ID)
		}
		servers[server.ID] = server
	}
	return servers, nil
}

// Resolve returns the server registered under id, or the fallback when id is
// empty.
func (c *Catalog) Resolve(id string) (models.RemoteServer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = c.fallback.ID
	}
	c.mu.RLock()
	server, ok := c.servers[id]
	c.mu.RUnlock()
	if ok {
		return server, nil
	}
	if id == c.fallback.ID {
		if c.fallback.Host == "" {
			return models.RemoteServer{}, errs.Validation("no default relay server configured")
		}
		return c.fallback, nil
	}
	return models.RemoteServer{}, errs.NotFound("server %s not found", id)
}

// Servers lists catalog entries plus the fallback, sorted by id.
func (c *Catalog) Servers() []models.RemoteServer {
	c.mu.RLock()
	list := make([]models.RemoteServer, 0, len(c.servers)+1)
	for _, server := range c.servers {
		list = append(list, server)
	}
	_, overridden := c.servers[c.fallback.ID]
	c.mu.RUnlock()
	if !overridden && c.fallback.Host != "" {
		list = append(list, c.fallback)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Credentials converts a server entry into remote-channel credentials.
func Credentials(server models.RemoteServer) remote.Credentials {
	return remote.Credentials{
		Host:           server.Host,
		Port:           server.Port,
		User:           server.User,
		Password:       server.Password,
		PrivateKeyPath: server.PrivateKeyPath,
	}
}

// Reloaded signals after each successful reload. Used by tests.
func (c *Catalog) Reloaded() <-chan struct{} {
	return c.reloaded
}

// Watch reloads the catalog whenever its file changes until ctx is done.
// Invalid edits are logged and the previous catalog stays in effect.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	file := filepath.Base(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, c.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("server catalog watch error", "error", err)
		}
	}
}

func (c *Catalog) reload() {
	servers, err := parseFile(c.path)
	if err != nil {
		c.logger.Warn("server catalog reload rejected", "path", c.path, "error", err)
		return
	}
	c.mu.Lock()
	c.servers = servers
	c.mu.Unlock()
	c.logger.Info("server catalog reloaded", "path", c.path, "servers", len(servers))
	select {
	case c.reloaded <- struct{}{}:
	default:
	}
}
