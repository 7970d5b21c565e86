package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"livecast/internal/errs"
	"livecast/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const uniqueViolation = "23505"

// PostgresRepository is the Repository used in production. The single active
// transmission rule is backed by the transmissions_one_active_per_owner
// partial unique index.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*PostgresRepository)(nil)
var _ CollaboratorWriter = (*PostgresRepository)(nil)

// NewPostgresRepository opens a pool against dsn. Call Migrate before first
// use on a fresh database.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

// withConn acquires a pooled connection, waiting at most AcquireTimeout.
func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	acquireCtx := ctx
	cancel := func() {}
	if r.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	conn, err := r.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// wrapPgError classifies a driver error. Unique violations become conflicts.
func wrapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &errs.Error{Kind: errs.ErrConflict, Op: op, Msg: "unique constraint " + pgErr.ConstraintName, Err: err}
	}
	return errs.Persistence(op, err)
}

const transmissionColumns = `id, owner_id, server_id, playlist_id, title, description, status, type,
    settings, playlist_settings, application_name, stream_name, started_at, ended_at,
    error_details, created_at, updated_at`

func scanTransmission(row pgx.Row) (models.Transmission, error) {
	var (
		tx               models.Transmission
		settings         []byte
		playlistSettings []byte
	)
	err := row.Scan(&tx.ID, &tx.OwnerID, &tx.ServerID, &tx.PlaylistID, &tx.Title, &tx.Description,
		&tx.Status, &tx.Type, &settings, &playlistSettings, &tx.ApplicationName, &tx.StreamName,
		&tx.StartedAt, &tx.EndedAt, &tx.ErrorDetails, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return models.Transmission{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &tx.Settings); err != nil {
			return models.Transmission{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	if len(playlistSettings) > 0 {
		if err := json.Unmarshal(playlistSettings, &tx.PlaylistSettings); err != nil {
			return models.Transmission{}, fmt.Errorf("decode playlist settings: %w", err)
		}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func (r *PostgresRepository) CreateTransmission(ctx context.Context, params CreateTransmissionParams) (models.Transmission, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.Transmission{}, errs.Validation("owner is required")
	}
	if strings.TrimSpace(params.Title) == "" {
		return models.Transmission{}, errs.Validation("title is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Transmission{}, errs.Persistence("create transmission", err)
	}
	tx := newTransmission(id, params, r.now())
	settings, err := json.Marshal(tx.Settings)
	if err != nil {
		return models.Transmission{}, fmt.Errorf("encode settings: %w", err)
	}
	playlistSettings, err := json.Marshal(tx.PlaylistSettings)
	if err != nil {
		return models.Transmission{}, fmt.Errorf("encode playlist settings: %w", err)
	}

	var created models.Transmission
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
INSERT INTO transmissions (id, owner_id, server_id, playlist_id, title, description, status, type,
    settings, playlist_settings, application_name, stream_name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', $12, $12)
RETURNING `+transmissionColumns,
			tx.ID, tx.OwnerID, tx.ServerID, tx.PlaylistID, tx.Title, tx.Description, tx.Status, tx.Type,
			settings, playlistSettings, tx.ApplicationName, tx.CreatedAt)
		var err error
		created, err = scanTransmission(row)
		return err
	})
	if err != nil {
		return models.Transmission{}, wrapPgError("create transmission", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetTransmission(ctx context.Context, id string) (models.Transmission, bool, error) {
	return r.queryTransmission(ctx, "get transmission", `SELECT `+transmissionColumns+` FROM transmissions WHERE id = $1`, id)
}

func (r *PostgresRepository) ActiveTransmission(ctx context.Context, ownerID string) (models.Transmission, bool, error) {
	return r.queryTransmission(ctx, "active transmission", `SELECT `+transmissionColumns+` FROM transmissions WHERE owner_id = $1 AND status = 'ativa'`, ownerID)
}

func (r *PostgresRepository) queryTransmission(ctx context.Context, op, query string, arg string) (models.Transmission, bool, error) {
	var (
		tx    models.Transmission
		found bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		tx, err = scanTransmission(conn.QueryRow(ctx, query, arg))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Transmission{}, false, wrapPgError(op, err)
	}
	return tx, found, nil
}

// lockTransmission reads a transmission row FOR UPDATE inside tx.
func lockTransmission(ctx context.Context, tx pgx.Tx, id string) (models.Transmission, error) {
	record, err := scanTransmission(tx.QueryRow(ctx, `SELECT `+transmissionColumns+` FROM transmissions WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return models.Transmission{}, errs.NotFound("transmission %s not found", id)
	}
	return record, err
}

func (r *PostgresRepository) ActivateTransmission(ctx context.Context, id string, params ActivateParams) (Activation, error) {
	var result Activation
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := lockTransmission(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != models.TransmissionPreparing {
			return errs.Conflict("transmission %s is %s", id, current.Status)
		}

		now := r.now()
		startedAt := params.StartedAt.UTC()
		updated, err := scanTransmission(tx.QueryRow(ctx, `
UPDATE transmissions
SET status = 'ativa', started_at = $2, stream_name = COALESCE(NULLIF($3, ''), stream_name),
    error_details = NULL, updated_at = $4
WHERE id = $1
RETURNING `+transmissionColumns, id, startedAt, params.StreamName, now))
		if err != nil {
			return err
		}

		stream := params.Stream
		if stream.ID, err = generateID(); err != nil {
			return err
		}
		stream.OwnerID = updated.OwnerID
		stream.TransmissionID = updated.ID
		stream.IsLive = true
		if stream.StreamName == "" {
			stream.StreamName = updated.StreamName
		}
		if stream.ApplicationName == "" {
			stream.ApplicationName = updated.ApplicationName
		}
		if stream.Title == "" {
			stream.Title = updated.Title
		}
		stream.CreatedAt = now
		stream.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
INSERT INTO streams (id, owner_id, transmission_id, title, is_live, viewers, bitrate, uptime,
    resolution, fps, quality_bitrate, stream_name, application_name, rtmp_url, hls_url, dash_url,
    created_at, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
			stream.ID, stream.OwnerID, stream.TransmissionID, stream.Title, stream.Viewers, stream.Bitrate,
			stream.Uptime, stream.Quality.Resolution, stream.Quality.FPS, stream.Quality.Bitrate,
			stream.StreamName, stream.ApplicationName, stream.RTMPURL, stream.HLSURL, stream.DASHURL, now); err != nil {
			return err
		}

		bindings := make([]models.PlatformBinding, 0, len(params.Bindings))
		for _, binding := range params.Bindings {
			if binding.ID, err = generateID(); err != nil {
				return err
			}
			binding.TransmissionID = updated.ID
			binding.Status = models.BindingActive
			binding.CreatedAt = now
			binding.UpdatedAt = now
			if _, err := tx.Exec(ctx, `
INSERT INTO platform_bindings (id, transmission_id, user_platform_id, status, publisher_name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`,
				binding.ID, binding.TransmissionID, binding.UserPlatformID, binding.Status, binding.PublisherName, now); err != nil {
				return err
			}
			bindings = append(bindings, binding)
		}

		result = Activation{Transmission: updated, Stream: stream, Bindings: bindings}
		return nil
	})
	if err != nil {
		return Activation{}, wrapPgError("activate transmission", err)
	}
	return result, nil
}

func (r *PostgresRepository) FailTransmission(ctx context.Context, id, details string) (models.Transmission, error) {
	var result models.Transmission
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := lockTransmission(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != models.TransmissionPreparing {
			return errs.Conflict("transmission %s is %s", id, current.Status)
		}
		result, err = scanTransmission(tx.QueryRow(ctx, `
UPDATE transmissions SET status = 'erro', error_details = $2, updated_at = $3
WHERE id = $1
RETURNING `+transmissionColumns, id, details, r.now()))
		return err
	})
	if err != nil {
		return models.Transmission{}, wrapPgError("fail transmission", err)
	}
	return result, nil
}

func (r *PostgresRepository) FinishTransmission(ctx context.Context, id string, endedAt time.Time) (models.Transmission, error) {
	var result models.Transmission
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := lockTransmission(ctx, tx, id)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.TransmissionFinished:
			result = current
			return nil
		case models.TransmissionActive:
		default:
			return errs.Conflict("transmission %s is %s", id, current.Status)
		}

		now := r.now()
		result, err = scanTransmission(tx.QueryRow(ctx, `
UPDATE transmissions SET status = 'finalizada', ended_at = $2, updated_at = $3
WHERE id = $1
RETURNING `+transmissionColumns, id, endedAt.UTC(), now))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE streams SET is_live = FALSE, updated_at = $2 WHERE transmission_id = $1 AND is_live`, id, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE platform_bindings SET status = 'finalizada', updated_at = $2 WHERE transmission_id = $1 AND status <> 'finalizada'`, id, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return models.Transmission{}, wrapPgError("finish transmission", err)
	}
	return result, nil
}

func (r *PostgresRepository) ListTransmissions(ctx context.Context, ownerID string, page, limit int) (TransmissionPage, error) {
	page, limit = NormalizePage(page, limit)
	result := TransmissionPage{Items: []models.Transmission{}, Page: page, Limit: limit}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM transmissions WHERE owner_id = $1`, ownerID).Scan(&result.Total); err != nil {
			return err
		}
		rows, err := conn.Query(ctx, `SELECT `+transmissionColumns+` FROM transmissions
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, ownerID, limit, (page-1)*limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tx, err := scanTransmission(rows)
			if err != nil {
				return err
			}
			result.Items = append(result.Items, tx)
		}
		return rows.Err()
	})
	if err != nil {
		return TransmissionPage{}, wrapPgError("list transmissions", err)
	}
	return result, nil
}

const streamColumns = `id, owner_id, transmission_id, title, is_live, viewers, bitrate, uptime,
    resolution, fps, quality_bitrate, stream_name, application_name, rtmp_url, hls_url, dash_url,
    created_at, updated_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	err := row.Scan(&stream.ID, &stream.OwnerID, &stream.TransmissionID, &stream.Title, &stream.IsLive,
		&stream.Viewers, &stream.Bitrate, &stream.Uptime, &stream.Quality.Resolution, &stream.Quality.FPS,
		&stream.Quality.Bitrate, &stream.StreamName, &stream.ApplicationName, &stream.RTMPURL,
		&stream.HLSURL, &stream.DASHURL, &stream.CreatedAt, &stream.UpdatedAt)
	stream.CreatedAt = stream.CreatedAt.UTC()
	stream.UpdatedAt = stream.UpdatedAt.UTC()
	return stream, err
}

func (r *PostgresRepository) StreamForTransmission(ctx context.Context, transmissionID string) (models.Stream, bool, error) {
	var (
		stream models.Stream
		found  bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		stream, err = scanStream(conn.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE transmission_id = $1`, transmissionID))
		if isNoRows(err) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return models.Stream{}, false, wrapPgError("stream for transmission", err)
	}
	return stream, found, nil
}

func (r *PostgresRepository) UpdateStreamStats(ctx context.Context, transmissionID string, stats StreamStats) (models.Stream, error) {
	var stream models.Stream
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		stream, err = scanStream(conn.QueryRow(ctx, `
UPDATE streams SET viewers = $2, bitrate = $3, uptime = $4, updated_at = $5
WHERE transmission_id = $1
RETURNING `+streamColumns, transmissionID, stats.Viewers, stats.Bitrate, stats.Uptime, r.now()))
		if isNoRows(err) {
			return errs.NotFound("stream for transmission %s not found", transmissionID)
		}
		return err
	})
	if err != nil {
		return models.Stream{}, wrapPgError("update stream stats", err)
	}
	return stream, nil
}

func (r *PostgresRepository) ListPlatformBindings(ctx context.Context, transmissionID string) ([]models.PlatformBinding, error) {
	bindings := make([]models.PlatformBinding, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT id, transmission_id, user_platform_id, status, publisher_name, created_at, updated_at
FROM platform_bindings
WHERE transmission_id = $1
ORDER BY publisher_name`, transmissionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var binding models.PlatformBinding
			if err := rows.Scan(&binding.ID, &binding.TransmissionID, &binding.UserPlatformID, &binding.Status,
				&binding.PublisherName, &binding.CreatedAt, &binding.UpdatedAt); err != nil {
				return err
			}
			binding.CreatedAt = binding.CreatedAt.UTC()
			binding.UpdatedAt = binding.UpdatedAt.UTC()
			bindings = append(bindings, binding)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapPgError("list platform bindings", err)
	}
	return bindings, nil
}

func (r *PostgresRepository) ListUserPlatforms(ctx context.Context, ownerID string, ids []string) ([]models.UserPlatform, error) {
	if len(ids) == 0 {
		return []models.UserPlatform{}, nil
	}
	byID := make(map[string]models.UserPlatform, len(ids))
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT up.id, up.owner_id, up.rtmp_url, up.stream_key, up.active, p.id, p.code, p.name, p.rtmp_base_url
FROM user_platforms up
JOIN platforms p ON p.id = up.platform_id
WHERE up.owner_id = $1 AND up.active AND up.id = ANY($2)`, ownerID, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var up models.UserPlatform
			if err := rows.Scan(&up.ID, &up.OwnerID, &up.RTMPURL, &up.StreamKey, &up.Active,
				&up.Platform.ID, &up.Platform.Code, &up.Platform.Name, &up.Platform.RTMPBaseURL); err != nil {
				return err
			}
			byID[up.ID] = up
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapPgError("list user platforms", err)
	}

	platforms := make([]models.UserPlatform, 0, len(byID))
	for _, id := range ids {
		if up, ok := byID[id]; ok {
			platforms = append(platforms, up)
			delete(byID, id)
		}
	}
	return platforms, nil
}

func (r *PostgresRepository) PlaylistVideos(ctx context.Context, playlistID string) ([]models.Video, error) {
	videos := make([]models.Video, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT id, playlist_id, name, uri, duration, position
FROM playlist_videos
WHERE playlist_id = $1
ORDER BY position, id`, playlistID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var video models.Video
			if err := rows.Scan(&video.ID, &video.PlaylistID, &video.Name, &video.URI, &video.Duration, &video.Position); err != nil {
				return err
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapPgError("playlist videos", err)
	}
	return videos, nil
}

func (r *PostgresRepository) GetRelaySession(ctx context.Context, ownerID string) (models.RelaySession, bool, error) {
	var (
		session models.RelaySession
		found   bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
SELECT owner_id, source_url, source_type, server_id, status, error_details, started_at, updated_at
FROM relay_sessions WHERE owner_id = $1`, ownerID).Scan(&session.OwnerID, &session.SourceURL,
			&session.SourceType, &session.ServerID, &session.Status, &session.ErrorDetails,
			&session.StartedAt, &session.UpdatedAt)
		if isNoRows(err) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return models.RelaySession{}, false, wrapPgError("get relay session", err)
	}
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, found, nil
}

func (r *PostgresRepository) UpsertRelaySession(ctx context.Context, session models.RelaySession) (models.RelaySession, error) {
	if strings.TrimSpace(session.OwnerID) == "" {
		return models.RelaySession{}, errs.Validation("owner is required")
	}
	if session.SourceType == "" {
		session.SourceType = models.SourceRTMP
	}
	session.UpdatedAt = r.now()
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO relay_sessions (owner_id, source_url, source_type, server_id, status, error_details, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner_id) DO UPDATE SET
    source_url = EXCLUDED.source_url,
    source_type = EXCLUDED.source_type,
    server_id = EXCLUDED.server_id,
    status = EXCLUDED.status,
    error_details = EXCLUDED.error_details,
    started_at = EXCLUDED.started_at,
    updated_at = EXCLUDED.updated_at`,
			session.OwnerID, session.SourceURL, session.SourceType, session.ServerID, session.Status,
			session.ErrorDetails, session.StartedAt, session.UpdatedAt)
		return err
	})
	if err != nil {
		return models.RelaySession{}, wrapPgError("upsert relay session", err)
	}
	return session, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
	return wrapPgError("ping", err)
}

func (r *PostgresRepository) PutUserPlatform(ctx context.Context, platform models.UserPlatform) error {
	if strings.TrimSpace(platform.ID) == "" {
		return errs.Validation("user platform id is required")
	}
	if strings.TrimSpace(platform.Platform.ID) == "" {
		platform.Platform.ID = platform.Platform.Code
	}
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO platforms (id, code, name, rtmp_base_url) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name, rtmp_base_url = EXCLUDED.rtmp_base_url`,
			platform.Platform.ID, platform.Platform.Code, platform.Platform.Name, platform.Platform.RTMPBaseURL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO user_platforms (id, owner_id, platform_id, rtmp_url, stream_key, active) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, platform_id = EXCLUDED.platform_id,
    rtmp_url = EXCLUDED.rtmp_url, stream_key = EXCLUDED.stream_key, active = EXCLUDED.active`,
			platform.ID, platform.OwnerID, platform.Platform.ID, platform.RTMPURL, platform.StreamKey, platform.Active)
		return err
	})
	return wrapPgError("put user platform", err)
}

func (r *PostgresRepository) PutPlaylistVideos(ctx context.Context, playlistID string, videos []models.Video) error {
	if strings.TrimSpace(playlistID) == "" {
		return errs.Validation("playlist id is required")
	}
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM playlist_videos WHERE playlist_id = $1`, playlistID); err != nil {
			return err
		}
		for _, video := range videos {
			if _, err := tx.Exec(ctx, `
INSERT INTO playlist_videos (id, playlist_id, name, uri, duration, position) VALUES ($1, $2, $3, $4, $5, $6)`,
				video.ID, playlistID, video.Name, video.URI, video.Duration, video.Position); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapPgError("put playlist videos", err)
}
