package mediaserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"livecast/internal/models"
)

// Session is the controller's view of a stream it started. It is cache
// state only; persisted transmission records remain the source of truth.
type Session struct {
	TransmissionID  string              `json:"transmissionId"`
	OwnerID         string              `json:"ownerId"`
	StreamName      string              `json:"streamName"`
	ApplicationName string              `json:"applicationName"`
	Videos          []models.Video      `json:"videos,omitempty"`
	CurrentVideo    int                 `json:"currentVideo"`
	StartedAt       time.Time           `json:"startedAt"`
	Platforms       []PushTarget        `json:"platforms"`
	Playlist        *PlaylistDescriptor `json:"playlist,omitempty"`
	Bitrate         int                 `json:"bitrate"`
}

// SessionCache stores sessions keyed by transmission id.
type SessionCache interface {
	Get(ctx context.Context, transmissionID string) (Session, bool, error)
	Put(ctx context.Context, session Session) error
	Delete(ctx context.Context, transmissionID string) error
}

// SessionSource rebuilds a session from persisted records. It reports false
// when the transmission is not currently live.
type SessionSource interface {
	RebuildSession(ctx context.Context, transmissionID string) (Session, bool, error)
}

// MemorySessionCache keeps sessions in process memory.
type MemorySessionCache struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{sessions: make(map[string]Session)}
}

func (m *MemorySessionCache) Get(_ context.Context, id string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok, nil
}

func (m *MemorySessionCache) Put(_ context.Context, session Session) error {
	m.mu.Lock()
	m.sessions[session.TransmissionID] = session
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionCache) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached sessions.
func (m *MemorySessionCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RedisSessionCache shares sessions between instances through Redis.
type RedisSessionCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionCache stores sessions under prefix. A zero ttl keeps
// entries until they are deleted.
func NewRedisSessionCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionCache {
	if prefix == "" {
		prefix = "livecast:session:"
	}
	return &RedisSessionCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSessionCache) key(id string) string {
	return r.prefix + id
}

func (r *RedisSessionCache) Get(ctx context.Context, id string) (Session, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return session, true, nil
}

func (r *RedisSessionCache) Put(ctx context.Context, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(session.TransmissionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *RedisSessionCache) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

var (
	_ SessionCache = (*MemorySessionCache)(nil)
	_ SessionCache = (*RedisSessionCache)(nil)
)
