// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists dispatches and their per-agent outcomes with automatic schema creation

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
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

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
		CREATE TABLE IF NOT EXISTS dispatches (
			id          TEXT PRIMARY KEY,
			verb        TEXT NOT NULL,
			args_json   TEXT NOT NULL,
			selector    TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dispatches_started ON dispatches(started_at);
		CREATE INDEX IF NOT EXISTS idx_dispatches_verb ON dispatches(verb);

		CREATE TABLE IF NOT EXISTS dispatch_outcomes (
			dispatch_id TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			status      TEXT NOT NULL,
			reason      TEXT,
			location    TEXT,
			bytes       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (dispatch_id, agent_id),
			FOREIGN KEY (dispatch_id) REFERENCES dispatches(id) ON DELETE CASCADE,

			CHECK (status IN ('success', 'failed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON dispatch_outcomes(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SaveDispatch records a dispatch and its outcomes in one transaction.
// Returns ErrDuplicateDispatch if the ID was already recorded.
func (s *SQLiteStore) SaveDispatch(ctx context.Context, rec *DispatchRecord) error {
	args := rec.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatches (id, verb, args_json, selector, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Verb, string(argsJSON), rec.Selector, formatTime(rec.StartedAt), formatTime(rec.FinishedAt))
	if isConstraintViolation(err) {
		return ErrDuplicateDispatch
	}
	if err != nil {
		return fmt.Errorf("inserting dispatch: %w", err)
	}

	for _, o := range rec.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispatch_outcomes (dispatch_id, agent_id, status, reason, location, bytes)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, o.AgentID, o.Status, nullString(o.Reason), nullString(o.Location), o.Bytes)
		if err != nil {
			return fmt.Errorf("inserting outcome for %s: %w", o.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dispatch: %w", err)
	}

	s.logger.Debug("recorded dispatch", "id", rec.ID, "verb", rec.Verb, "outcomes", len(rec.Outcomes))
	return nil
}

// scanDispatch scans a dispatches row without its outcomes.
func scanDispatch(scanner interface{ Scan(dest ...any) error }) (*DispatchRecord, error) {
	var rec DispatchRecord
	var argsJSON, startedStr, finishedStr string

	if err := scanner.Scan(&rec.ID, &rec.Verb, &argsJSON, &rec.Selector, &startedStr, &finishedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
		return nil, fmt.Errorf("unmarshaling args: %w", err)
	}

	var err error
	rec.StartedAt, err = time.Parse(timeLayout, startedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	rec.FinishedAt, err = time.Parse(timeLayout, finishedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) loadOutcomes(ctx context.Context, rec *DispatchRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, reason, location, bytes
		FROM dispatch_outcomes
		WHERE dispatch_id = ?
		ORDER BY agent_id
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	rec.Outcomes = nil
	for rows.Next() {
		var o OutcomeRecord
		var reason, location sql.NullString
		if err := rows.Scan(&o.AgentID, &o.Status, &reason, &location, &o.Bytes); err != nil {
			return fmt.Errorf("scanning outcome: %w", err)
		}
		o.Reason = reason.String
		o.Location = location.String
		rec.Outcomes = append(rec.Outcomes, o)
	}
	return rows.Err()
}

// GetDispatch retrieves a dispatch and its outcomes by ID.
// Returns ErrNotFound if the dispatch doesn't exist.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, verb, args_json, selector, started_at, finished_at
		FROM dispatches
		WHERE id = ?
	`, id)

	rec, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying dispatch: %w", err)
	}

	if err := s.loadOutcomes(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDispatches returns dispatches matching f, newest first.
func (s *SQLiteStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]*DispatchRecord, error) {
	var since string
	if !f.Since.IsZero() {
		since = formatTime(f.Since)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.verb, d.args_json, d.selector, d.started_at, d.finished_at
		FROM dispatches d
		WHERE (? = '' OR d.verb = ?)
		  AND (? = '' OR EXISTS (
			SELECT 1 FROM dispatch_outcomes o WHERE o.dispatch_id = d.id AND o.agent_id = ?))
		  AND (? = '' OR d.started_at >= ?)
		ORDER BY d.started_at DESC
		LIMIT ?
	`, f.Verb, f.Verb, f.AgentID, f.AgentID, since, since, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying dispatches: %w", err)
	}

	var records []*DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning dispatch: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating dispatches: %w", err)
	}
	rows.Close()

	// Outcomes are loaded after the cursor is closed so the pool is free.
	for _, rec := range records {
		if err := s.loadOutcomes(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}
