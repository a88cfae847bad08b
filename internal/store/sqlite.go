// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides run/session/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			proxy_id TEXT NOT NULL,
			sandbox_instance_name TEXT NOT NULL DEFAULT '',
			keepalive_ttl_seconds INTEGER NOT NULL DEFAULT 0,
			acp_session_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_proxy ON runs(proxy_id);

		CREATE TABLE IF NOT EXISTS session_states (
			run_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, run Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, proxy_id, sandbox_instance_name, keepalive_ttl_seconds, acp_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			proxy_id = excluded.proxy_id,
			sandbox_instance_name = excluded.sandbox_instance_name,
			keepalive_ttl_seconds = excluded.keepalive_ttl_seconds,
			acp_session_id = excluded.acp_session_id,
			updated_at = excluded.updated_at`,
		run.ID, run.ProxyID, run.SandboxInstanceName, run.KeepaliveTTLSeconds,
		run.ACPSessionID, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proxy_id, sandbox_instance_name, keepalive_ttl_seconds, acp_session_id, created_at, updated_at
		FROM runs WHERE id = ?`, runID).Scan(
		&run.ID, &run.ProxyID, &run.SandboxInstanceName, &run.KeepaliveTTLSeconds,
		&run.ACPSessionID, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRunsByProxy(ctx context.Context, proxyID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proxy_id, sandbox_instance_name, keepalive_ttl_seconds, acp_session_id, created_at, updated_at
		FROM runs WHERE proxy_id = ? ORDER BY created_at`, proxyID)
	if err != nil {
		return nil, fmt.Errorf("listing runs for proxy %s: %w", proxyID, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.ProxyID, &run.SandboxInstanceName, &run.KeepaliveTTLSeconds,
			&run.ACPSessionID, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_states WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("deleting session state for %s: %w", runID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionState(ctx context.Context, runID string) (*SessionState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM session_states WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session state for %s: %w", runID, err)
	}

	var state SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("parsing session state for %s: %w", runID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) SaveSessionState(ctx context.Context, runID string, state SessionState) error {
	state.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_states (run_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		runID, blob, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving session state for %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, session_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.SessionID, event.Kind, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending event for %s: %w", event.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, session_id, kind, payload, created_at
		FROM events WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.SessionID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
