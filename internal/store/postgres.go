package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const lockColumns = `node_id, workspace_id, locked_by_user_id, locked_by_username, locked_at, expires_at, lock_type, connection_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (NodeLock, error) {
	var lock NodeLock
	var lockType string
	if err := row.Scan(
		&lock.NodeID,
		&lock.WorkspaceID,
		&lock.HolderUserID,
		&lock.HolderUsername,
		&lock.AcquiredAt,
		&lock.ExpiresAt,
		&lockType,
		&lock.ConnectionID,
	); err != nil {
		return NodeLock{}, err
	}
	lock.LockType = LockType(lockType)
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	lock.ExpiresAt = lock.ExpiresAt.UTC()
	return lock, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, nodeID string) (NodeLock, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM node_locks WHERE node_id=$1`, nodeID)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeLock{}, ErrNotFound
	}
	if err != nil {
		return NodeLock{}, fmt.Errorf("get lock: %w", err)
	}
	return lock, nil
}

// InsertLock relies on the node_id primary key, so two writers racing on the
// same node cannot both succeed even across processes.
func (s *PostgresStore) InsertLock(ctx context.Context, lock NodeLock) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO node_locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id) DO NOTHING
	`, lock.NodeID, lock.WorkspaceID, lock.HolderUserID, lock.HolderUsername,
		lock.AcquiredAt.UTC(), lock.ExpiresAt.UTC(), string(lock.LockType), lock.ConnectionID)
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert lock rows: %w", err)
	}
	if affected == 0 {
		return ErrLockExists
	}
	return nil
}

func (s *PostgresStore) ExtendLock(ctx context.Context, nodeID, userID string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE node_locks SET expires_at=$3
		WHERE node_id=$1 AND locked_by_user_id=$2
	`, nodeID, userID, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, nodeID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM node_locks WHERE node_id=$1 AND locked_by_user_id=$2`, nodeID, userID)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListLocks(ctx context.Context, filter LockFilter) ([]NodeLock, error) {
	var clauses []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	add("workspace_id", filter.WorkspaceID)
	add("locked_by_user_id", filter.UserID)
	add("connection_id", filter.ConnectionID)

	query := `SELECT ` + lockColumns + ` FROM node_locks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY locked_at ASC, node_id ASC`
	return s.queryLocks(ctx, query, args...)
}

func (s *PostgresStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]NodeLock, error) {
	return s.queryLocks(ctx, `SELECT `+lockColumns+` FROM node_locks WHERE expires_at <= $1 ORDER BY expires_at ASC`, now.UTC())
}

func (s *PostgresStore) queryLocks(ctx context.Context, query string, args ...any) ([]NodeLock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []NodeLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	var workspaceID any
	if record.WorkspaceID != "" {
		workspaceID = record.WorkspaceID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (connection_id, user_id, workspace_id, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, record.ConnectionID, record.UserID, workspaceID, record.ConnectedAt.UTC(), record.LastHeartbeat.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, connectionID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE collab_sessions SET last_heartbeat=$2 WHERE connection_id=$1`, connectionID, at.UTC()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, connectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collab_sessions WHERE connection_id=$1`, connectionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeSessions drops every mirrored session. Presence is never rebuilt from
// this table, so a restart starts from an empty room set.
func (s *PostgresStore) PurgeSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collab_sessions`); err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	return nil
}

// WorkspaceRole reports the caller's role in a workspace: "owner" for the
// owner, the share role for an unrevoked share, ErrNotFound otherwise.
func (s *PostgresStore) WorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT 'owner' FROM workspaces WHERE id=$1 AND owner_id=$2
		UNION ALL
		SELECT role FROM workspace_shares WHERE workspace_id=$1 AND user_id=$2 AND revoked_at IS NULL
		LIMIT 1
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("workspace role: %w", err)
	}
	return role, nil
}
