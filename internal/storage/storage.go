package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"livecast/internal/errs"
	"livecast/internal/models"
)

type dataset struct {
	Transmissions  map[string]models.Transmission    `json:"transmissions"`
	Streams        map[string]models.Stream          `json:"streams"`
	Bindings       map[string]models.PlatformBinding `json:"platformBindings"`
	RelaySessions  map[string]models.RelaySession    `json:"relaySessions"`
	UserPlatforms  map[string]models.UserPlatform    `json:"userPlatforms"`
	PlaylistVideos map[string][]models.Video         `json:"playlistVideos"`
}

// Storage is a Repository backed by a single JSON document. Every mutation
// rewrites the document atomically. An empty path keeps data in memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time

	// persistOverride runs before the file is written; tests use it to
	// inject write failures.
	persistOverride func(dataset) error
}

var _ Repository = (*Storage)(nil)
var _ CollaboratorWriter = (*Storage)(nil)

func newDataset() dataset {
	return dataset{
		Transmissions:  make(map[string]models.Transmission),
		Streams:        make(map[string]models.Stream),
		Bindings:       make(map[string]models.PlatformBinding),
		RelaySessions:  make(map[string]models.RelaySession),
		UserPlatforms:  make(map[string]models.UserPlatform),
		PlaylistVideos: make(map[string][]models.Video),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Transmissions == nil {
		s.data.Transmissions = make(map[string]models.Transmission)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.Bindings == nil {
		s.data.Bindings = make(map[string]models.PlatformBinding)
	}
	if s.data.RelaySessions == nil {
		s.data.RelaySessions = make(map[string]models.RelaySession)
	}
	if s.data.UserPlatforms == nil {
		s.data.UserPlatforms = make(map[string]models.UserPlatform)
	}
	if s.data.PlaylistVideos == nil {
		s.data.PlaylistVideos = make(map[string][]models.Video)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// commitLocked persists next and swaps it in. On failure the previous state
// stays in place.
func (s *Storage) commitLocked(op string, next dataset) error {
	if err := s.persistDataset(next); err != nil {
		return errs.Persistence(op, err)
	}
	s.data = next
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, tx := range src.Transmissions {
		clone.Transmissions[id] = cloneTransmission(tx)
	}
	for id, stream := range src.Streams {
		clone.Streams[id] = stream
	}
	for id, binding := range src.Bindings {
		clone.Bindings[id] = binding
	}
	for owner, session := range src.RelaySessions {
		clone.RelaySessions[owner] = cloneRelaySession(session)
	}
	for id, platform := range src.UserPlatforms {
		clone.UserPlatforms[id] = platform
	}
	for id, videos := range src.PlaylistVideos {
		clone.PlaylistVideos[id] = append([]models.Video(nil), videos...)
	}
	return clone
}

func cloneTransmission(tx models.Transmission) models.Transmission {
	out := tx
	out.Settings.PlatformIDs = append([]string(nil), tx.Settings.PlatformIDs...)
	out.PlaylistID = cloneString(tx.PlaylistID)
	out.ErrorDetails = cloneString(tx.ErrorDetails)
	out.StartedAt = cloneTime(tx.StartedAt)
	out.EndedAt = cloneTime(tx.EndedAt)
	if tx.PlaylistSettings.Repeat != nil {
		repeat := *tx.PlaylistSettings.Repeat
		out.PlaylistSettings.Repeat = &repeat
	}
	if tx.PlaylistSettings.Logo != nil {
		logo := *tx.PlaylistSettings.Logo
		out.PlaylistSettings.Logo = &logo
	}
	return out
}

func cloneRelaySession(session models.RelaySession) models.RelaySession {
	out := session
	out.ErrorDetails = cloneString(session.ErrorDetails)
	out.StartedAt = cloneTime(session.StartedAt)
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func (s *Storage) CreateTransmission(_ context.Context, params CreateTransmissionParams) (models.Transmission, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.Transmission{}, errs.Validation("owner is required")
	}
	if strings.TrimSpace(params.Title) == "" {
		return models.Transmission{}, errs.Validation("title is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Transmission{}, errs.Persistence("create transmission", err)
	}
	tx := newTransmission(id, params, s.now())

	next := cloneDataset(s.data)
	next.Transmissions[id] = tx
	if err := s.commitLocked("create transmission", next); err != nil {
		return models.Transmission{}, err
	}
	return cloneTransmission(tx), nil
}

func newTransmission(id string, params CreateTransmissionParams, now time.Time) models.Transmission {
	txType := params.Type
	if txType == "" {
		txType = models.TransmissionManual
	}
	settings := params.Settings
	settings.PlatformIDs = append([]string(nil), params.Settings.PlatformIDs...)
	return models.Transmission{
		ID:               id,
		OwnerID:          params.OwnerID,
		ServerID:         strings.TrimSpace(params.ServerID),
		PlaylistID:       cloneString(params.PlaylistID),
		Title:            strings.TrimSpace(params.Title),
		Description:      strings.TrimSpace(params.Description),
		Status:           models.TransmissionPreparing,
		Type:             txType,
		Settings:         settings,
		PlaylistSettings: params.PlaylistSettings,
		ApplicationName:  params.ApplicationName,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (s *Storage) GetTransmission(_ context.Context, id string) (models.Transmission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.data.Transmissions[id]
	if !ok {
		return models.Transmission{}, false, nil
	}
	return cloneTransmission(tx), true, nil
}

func (s *Storage) ActiveTransmission(_ context.Context, ownerID string) (models.Transmission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.activeTransmissionLocked(ownerID)
	if !ok {
		return models.Transmission{}, false, nil
	}
	return cloneTransmission(tx), true, nil
}

func (s *Storage) activeTransmissionLocked(ownerID string) (models.Transmission, bool) {
	for _, tx := range s.data.Transmissions {
		if tx.OwnerID == ownerID && tx.Status == models.TransmissionActive {
			return tx, true
		}
	}
	return models.Transmission{}, false
}

func (s *Storage) ActivateTransmission(_ context.Context, id string, params ActivateParams) (Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.data.Transmissions[id]
	if !ok {
		return Activation{}, errs.NotFound("transmission %s not found", id)
	}
	if tx.Status != models.TransmissionPreparing {
		return Activation{}, errs.Conflict("transmission %s is %s", id, tx.Status)
	}
	if active, exists := s.activeTransmissionLocked(tx.OwnerID); exists {
		return Activation{}, errs.Conflict("owner %s already has active transmission %s", tx.OwnerID, active.ID)
	}

	startedAt := params.StartedAt.UTC()
	now := s.now()
	tx.Status = models.TransmissionActive
	tx.StartedAt = &startedAt
	tx.ErrorDetails = nil
	if params.StreamName != "" {
		tx.StreamName = params.StreamName
	}
	tx.UpdatedAt = now

	streamID, err := generateID()
	if err != nil {
		return Activation{}, errs.Persistence("activate transmission", err)
	}
	stream := params.Stream
	stream.ID = streamID
	stream.OwnerID = tx.OwnerID
	stream.TransmissionID = tx.ID
	stream.IsLive = true
	if stream.StreamName == "" {
		stream.StreamName = tx.StreamName
	}
	if stream.ApplicationName == "" {
		stream.ApplicationName = tx.ApplicationName
	}
	if stream.Title == "" {
		stream.Title = tx.Title
	}
	stream.CreatedAt = now
	stream.UpdatedAt = now

	bindings := make([]models.PlatformBinding, 0, len(params.Bindings))
	for _, binding := range params.Bindings {
		bindingID, err := generateID()
		if err != nil {
			return Activation{}, errs.Persistence("activate transmission", err)
		}
		binding.ID = bindingID
		binding.TransmissionID = tx.ID
		binding.Status = models.BindingActive
		binding.CreatedAt = now
		binding.UpdatedAt = now
		bindings = append(bindings, binding)
	}

	next := cloneDataset(s.data)
	next.Transmissions[tx.ID] = tx
	next.Streams[stream.ID] = stream
	for _, binding := range bindings {
		next.Bindings[binding.ID] = binding
	}
	if err := s.commitLocked("activate transmission", next); err != nil {
		return Activation{}, err
	}
	return Activation{Transmission: cloneTransmission(tx), Stream: stream, Bindings: bindings}, nil
}

func (s *Storage) FailTransmission(_ context.Context, id, details string) (models.Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.data.Transmissions[id]
	if !ok {
		return models.Transmission{}, errs.NotFound("transmission %s not found", id)
	}
	if tx.Status != models.TransmissionPreparing {
		return models.Transmission{}, errs.Conflict("transmission %s is %s", id, tx.Status)
	}
	tx.Status = models.TransmissionError
	tx.ErrorDetails = &details
	tx.UpdatedAt = s.now()

	next := cloneDataset(s.data)
	next.Transmissions[id] = tx
	if err := s.commitLocked("fail transmission", next); err != nil {
		return models.Transmission{}, err
	}
	return cloneTransmission(tx), nil
}

// FinishTransmission moves an ativa transmission to finalizada, takes its
// stream offline and finalizes its bindings. A transmission that is already
// finalizada is returned unchanged.
func (s *Storage) FinishTransmission(_ context.Context, id string, endedAt time.Time) (models.Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.data.Transmissions[id]
	if !ok {
		return models.Transmission{}, errs.NotFound("transmission %s not found", id)
	}
	switch tx.Status {
	case models.TransmissionFinished:
		return cloneTransmission(tx), nil
	case models.TransmissionActive:
	default:
		return models.Transmission{}, errs.Conflict("transmission %s is %s", id, tx.Status)
	}

	now := s.now()
	ended := endedAt.UTC()
	tx.Status = models.TransmissionFinished
	tx.EndedAt = &ended
	tx.UpdatedAt = now

	next := cloneDataset(s.data)
	next.Transmissions[id] = tx
	for streamID, stream := range next.Streams {
		if stream.TransmissionID == id && stream.IsLive {
			stream.IsLive = false
			stream.UpdatedAt = now
			next.Streams[streamID] = stream
		}
	}
	for bindingID, binding := range next.Bindings {
		if binding.TransmissionID == id && binding.Status != models.BindingFinished {
			binding.Status = models.BindingFinished
			binding.UpdatedAt = now
			next.Bindings[bindingID] = binding
		}
	}
	if err := s.commitLocked("finish transmission", next); err != nil {
		return models.Transmission{}, err
	}
	return cloneTransmission(tx), nil
}

func (s *Storage) ListTransmissions(_ context.Context, ownerID string, page, limit int) (TransmissionPage, error) {
	page, limit = NormalizePage(page, limit)

	s.mu.RLock()
	owned := make([]models.Transmission, 0)
	for _, tx := range s.data.Transmissions {
		if tx.OwnerID == ownerID {
			owned = append(owned, cloneTransmission(tx))
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	result := TransmissionPage{Items: []models.Transmission{}, Total: len(owned), Page: page, Limit: limit}
	start := (page - 1) * limit
	if start >= len(owned) {
		return result, nil
	}
	end := start + limit
	if end > len(owned) {
		end = len(owned)
	}
	result.Items = owned[start:end]
	return result, nil
}

func (s *Storage) StreamForTransmission(_ context.Context, transmissionID string) (models.Stream, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streamForTransmissionLocked(transmissionID)
	return stream, ok, nil
}

func (s *Storage) streamForTransmissionLocked(transmissionID string) (models.Stream, bool) {
	for _, stream := range s.data.Streams {
		if stream.TransmissionID == transmissionID {
			return stream, true
		}
	}
	return models.Stream{}, false
}

func (s *Storage) UpdateStreamStats(_ context.Context, transmissionID string, stats StreamStats) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streamForTransmissionLocked(transmissionID)
	if !ok {
		return models.Stream{}, errs.NotFound("stream for transmission %s not found", transmissionID)
	}
	stream.Viewers = stats.Viewers
	stream.Bitrate = stats.Bitrate
	stream.Uptime = stats.Uptime
	stream.UpdatedAt = s.now()

	next := cloneDataset(s.data)
	next.Streams[stream.ID] = stream
	if err := s.commitLocked("update stream stats", next); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) ListPlatformBindings(_ context.Context, transmissionID string) ([]models.PlatformBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bindings := make([]models.PlatformBinding, 0)
	for _, binding := range s.data.Bindings {
		if binding.TransmissionID == transmissionID {
			bindings = append(bindings, binding)
		}
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].PublisherName < bindings[j].PublisherName
	})
	return bindings, nil
}

// ListUserPlatforms returns the owner's active platform credentials among
// ids, in the order ids were given.
func (s *Storage) ListUserPlatforms(_ context.Context, ownerID string, ids []string) ([]models.UserPlatform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	platforms := make([]models.UserPlatform, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		platform, ok := s.data.UserPlatforms[id]
		if !ok || platform.OwnerID != ownerID || !platform.Active {
			continue
		}
		platforms = append(platforms, platform)
	}
	return platforms, nil
}

func (s *Storage) PlaylistVideos(_ context.Context, playlistID string) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := append([]models.Video(nil), s.data.PlaylistVideos[playlistID]...)
	sort.SliceStable(videos, func(i, j int) bool { return videos[i].Position < videos[j].Position })
	return videos, nil
}

func (s *Storage) GetRelaySession(_ context.Context, ownerID string) (models.RelaySession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.RelaySessions[ownerID]
	if !ok {
		return models.RelaySession{}, false, nil
	}
	return cloneRelaySession(session), true, nil
}

func (s *Storage) UpsertRelaySession(_ context.Context, session models.RelaySession) (models.RelaySession, error) {
	if strings.TrimSpace(session.OwnerID) == "" {
		return models.RelaySession{}, errs.Validation("owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session = cloneRelaySession(session)
	if session.SourceType == "" {
		session.SourceType = models.SourceRTMP
	}
	session.UpdatedAt = s.now()

	next := cloneDataset(s.data)
	next.RelaySessions[session.OwnerID] = session
	if err := s.commitLocked("upsert relay session", next); err != nil {
		return models.RelaySession{}, err
	}
	return cloneRelaySession(session), nil
}

func (s *Storage) Ping(context.Context) error {
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if _, err := os.Stat(dir); err != nil {
		return errs.Persistence("ping", err)
	}
	return nil
}

func (s *Storage) PutUserPlatform(_ context.Context, platform models.UserPlatform) error {
	if strings.TrimSpace(platform.ID) == "" {
		return errs.Validation("user platform id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDataset(s.data)
	next.UserPlatforms[platform.ID] = platform
	return s.commitLocked("put user platform", next)
}

func (s *Storage) PutPlaylistVideos(_ context.Context, playlistID string, videos []models.Video) error {
	if strings.TrimSpace(playlistID) == "" {
		return errs.Validation("playlist id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDataset(s.data)
	stored := make([]models.Video, len(videos))
	for i, video := range videos {
		video.PlaylistID = playlistID
		stored[i] = video
	}
	next.PlaylistVideos[playlistID] = stored
	return s.commitLocked("put playlist videos", next)
}
