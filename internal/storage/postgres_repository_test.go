package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"livecast/internal/errs"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresTables = []string{
	"platform_bindings",
	"streams",
	"transmissions",
	"relay_sessions",
	"playlist_videos",
	"user_platforms",
	"platforms",
}

// postgresRepositoryFactory opens a Postgres-backed repository, applies the
// embedded migrations and truncates tables around each test. It requires
// LIVECAST_TEST_POSTGRES_DSN to point at a database dedicated to tests.
func postgresRepositoryFactory(t *testing.T, opts ...Option) (scenarioRepository, func(), error) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LIVECAST_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LIVECAST_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := NewPostgresRepository(ctx, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := repo.Migrate(ctx); err != nil {
		_ = repo.Close(context.Background())
		t.Fatalf("migrate: %v", err)
	}
	if err := truncatePostgresTables(ctx, repo.pool); err != nil {
		_ = repo.Close(context.Background())
		t.Fatalf("truncate tables: %v", err)
	}

	cleanup := func() {
		if err := truncatePostgresTables(context.Background(), repo.pool); err != nil {
			t.Errorf("truncate tables: %v", err)
		}
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
	}
	return repo, cleanup, nil
}

func truncatePostgresTables(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(postgresTables, ", "))
	_, err := pool.Exec(ctx, query)
	return err
}

func TestPostgresTransmissionLifecycle(t *testing.T) {
	RunRepositoryTransmissionLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresSingleActiveTransmission(t *testing.T) {
	RunRepositorySingleActiveTransmission(t, postgresRepositoryFactory)
}

func TestPostgresConcurrentActivation(t *testing.T) {
	RunRepositoryConcurrentActivation(t, postgresRepositoryFactory)
}

func TestPostgresFailTransmission(t *testing.T) {
	RunRepositoryFailTransmission(t, postgresRepositoryFactory)
}

func TestPostgresHistoryPaging(t *testing.T) {
	RunRepositoryHistoryPaging(t, postgresRepositoryFactory)
}

func TestPostgresCollaboratorReads(t *testing.T) {
	RunRepositoryCollaboratorReads(t, postgresRepositoryFactory)
}

func TestPostgresRelaySessions(t *testing.T) {
	RunRepositoryRelaySessions(t, postgresRepositoryFactory)
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	repo := runRepository(t, postgresRepositoryFactory).(*PostgresRepository)
	applied, err := repo.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to apply, got %v", applied)
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewPostgresRepositoryRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRepository(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestWrapPgErrorClassifiesErrors(t *testing.T) {
	if err := wrapPgError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	unique := wrapPgError("activate transmission", &pgconn.PgError{Code: "23505", ConstraintName: "transmissions_one_active_per_owner"})
	if !errors.Is(unique, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", unique)
	}
	if !strings.Contains(unique.Error(), "transmissions_one_active_per_owner") {
		t.Fatalf("expected constraint name in %q", unique.Error())
	}
	missing := wrapPgError("get", errs.NotFound("transmission x not found"))
	if !errors.Is(missing, errs.ErrNotFound) || errors.Is(missing, errs.ErrPersistence) {
		t.Fatalf("kinded errors must pass through, got %v", missing)
	}
	other := wrapPgError("ping", errors.New("connection refused"))
	if !errors.Is(other, errs.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", other)
	}
}
