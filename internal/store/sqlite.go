// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists sessions, commands and callbacks with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Pragmas are per connection; a single connection keeps foreign keys on.
	db.SetMaxOpenConns(1)
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

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			pid INTEGER NOT NULL,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			detach_reason TEXT NOT NULL DEFAULT '',
			crash_report TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_opened
			ON sessions(opened_at);

		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			command TEXT NOT NULL,
			output TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_commands_session_created
			ON commands(session_id, created_at);

		CREATE TABLE IF NOT EXISTS callbacks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			serial INTEGER NOT NULL,
			command TEXT NOT NULL,
			output TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_callbacks_session_created
			ON callbacks(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "spawned",
			apply:  `ALTER TABLE sessions ADD COLUMN spawned INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Debug("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error references a missing parent row
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CreateSession inserts a new session. An empty ID is filled with a UUID.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *SessionRecord) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now()
	}

	query := `
		INSERT INTO sessions (id, device, pid, spawned, opened_at, detach_reason, crash_report)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Device,
		session.PID,
		session.Spawned,
		formatTime(session.OpenedAt),
		session.DetachReason,
		session.CrashReport,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "device", session.Device, "pid", session.PID)
	return nil
}

// CloseSession records when a session was closed.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ?`,
		formatTime(closedAt), id,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return requireAffected(result)
}

// RecordDetach stores the first detach reason and the first non-empty crash report.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) RecordDetach(ctx context.Context, id, reason, crash string) error {
	query := `
		UPDATE sessions SET
			detach_reason = CASE WHEN detach_reason = '' THEN ? ELSE detach_reason END,
			crash_report = CASE WHEN crash_report = '' THEN ? ELSE crash_report END
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, reason, crash, id)
	if err != nil {
		return fmt.Errorf("recording detach: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, device, pid, spawned, opened_at, closed_at, detach_reason, crash_report`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var openedAt string
	var closedAt sql.NullString

	if err := row.Scan(
		&rec.ID,
		&rec.Device,
		&rec.PID,
		&rec.Spawned,
		&openedAt,
		&closedAt,
		&rec.DetachReason,
		&rec.CrashReport,
	); err != nil {
		return nil, err
	}

	var err error
	rec.OpenedAt, err = parseTime(openedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing opened_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		rec.ClosedAt = &t
	}
	return &rec, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// LatestSession returns the most recently opened session.
// Returns ErrNotFound if there are no sessions.
func (s *SQLiteStore) LatestSession(ctx context.Context) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY opened_at DESC, rowid DESC LIMIT 1`)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions, most recently opened first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY opened_at DESC, rowid DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// RecordCommand saves a command and its result.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) RecordCommand(ctx context.Context, cmd *CommandRecord) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, session_id, command, output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.SessionID, cmd.Command, cmd.Output, cmd.Error, formatTime(cmd.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// ListCommands returns the most recent commands of a session, oldest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListCommands(ctx context.Context, sessionID string, limit int) ([]*CommandRecord, error) {
	query := `
		SELECT id, session_id, command, output, error, created_at FROM (
			SELECT id, session_id, command, output, error, created_at, rowid AS seq
			FROM commands
			WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []*CommandRecord
	for rows.Next() {
		var cmd CommandRecord
		var createdAt string
		if err := rows.Scan(&cmd.ID, &cmd.SessionID, &cmd.Command, &cmd.Output, &cmd.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		cmd.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		commands = append(commands, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return commands, nil
}

// RecordCallback saves a serviced callback.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) RecordCallback(ctx context.Context, cb *CallbackRecord) error {
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callbacks (id, session_id, serial, command, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cb.ID, cb.SessionID, cb.Serial, cb.Command, cb.Output, formatTime(cb.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting callback: %w", err)
	}
	return nil
}

// ListCallbacks returns the most recent callbacks of a session, oldest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListCallbacks(ctx context.Context, sessionID string, limit int) ([]*CallbackRecord, error) {
	query := `
		SELECT id, session_id, serial, command, output, created_at FROM (
			SELECT id, session_id, serial, command, output, created_at, rowid AS seq
			FROM callbacks
			WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying callbacks: %w", err)
	}
	defer rows.Close()

	var callbacks []*CallbackRecord
	for rows.Next() {
		var cb CallbackRecord
		var createdAt string
		if err := rows.Scan(&cb.ID, &cb.SessionID, &cb.Serial, &cb.Command, &cb.Output, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning callback row: %w", err)
		}
		cb.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		callbacks = append(callbacks, &cb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating callback rows: %w", err)
	}
	return callbacks, nil
}
