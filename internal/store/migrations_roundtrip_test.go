package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CANOPY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CANOPY_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected migrations to be applied on an empty schema")
	}

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("reapply up migrations: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}

	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreLockLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	lock := NodeLock{
		NodeID:         "node-1",
		WorkspaceID:    "ws-1",
		HolderUserID:   "user-a",
		HolderUsername: "Avery",
		LockType:       LockEdit,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(30 * time.Second),
		ConnectionID:   "conn-a",
	}
	if err := s.InsertLock(ctx, lock); err != nil {
		t.Fatalf("InsertLock() error = %v", err)
	}
	second := lock
	second.HolderUserID = "user-b"
	if err := s.InsertLock(ctx, second); !errors.Is(err, ErrLockExists) {
		t.Fatalf("second InsertLock() error = %v, want ErrLockExists", err)
	}

	extended, err := s.ExtendLock(ctx, "node-1", "user-b", now.Add(time.Hour))
	if err != nil || extended {
		t.Fatalf("ExtendLock by non-holder = %v, %v", extended, err)
	}
	got, err := s.GetLock(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if !got.ExpiresAt.Equal(lock.ExpiresAt) {
		t.Fatalf("expires_at changed by non-holder: %v", got.ExpiresAt)
	}

	locks, err := s.ListLocks(ctx, LockFilter{ConnectionID: "conn-a"})
	if err != nil || len(locks) != 1 {
		t.Fatalf("ListLocks(conn-a) = %v, %v", locks, err)
	}
	expired, err := s.ListExpiredLocks(ctx, now.Add(time.Minute))
	if err != nil || len(expired) != 1 {
		t.Fatalf("ListExpiredLocks() = %v, %v", expired, err)
	}

	deleted, err := s.DeleteLock(ctx, "node-1", "user-a")
	if err != nil || !deleted {
		t.Fatalf("DeleteLock() = %v, %v", deleted, err)
	}
	if _, err := s.GetLock(ctx, "node-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLock after delete error = %v, want ErrNotFound", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	var downs []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		downs = append(downs, migration{version: match[1], path: filepath.Join(migrationsDir, entry.Name())})
	}
	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
