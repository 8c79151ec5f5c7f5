package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/mlpipe-go/pipeline/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of RunStore.
//
// It persists run records, logs, and event streams in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process local workspaces
//   - Durable lineage records without a database server
//
// Uses WAL mode for concurrent reads and transactional writes.
//
// Schema:
//   - runs: one row per run record
//   - run_logs: append-only captured log lines
//   - run_events: append-only per-run event stream
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed run store.
//
// The path specifies the database file location; ":memory:" gives an
// in-memory database that is lost on close. The store auto-creates the
// schema, enables WAL mode, and sets a 5s busy timeout.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			snapshot_hash TEXT NOT NULL,
			dataset_hash TEXT NOT NULL,
			seed INTEGER NOT NULL,
			hook_code_hashes TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			failing_stage TEXT DEFAULT '',
			error TEXT DEFAULT '',
			artifact_ids TEXT NOT NULL DEFAULT '[]'
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_experiment: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stage TEXT DEFAULT '',
			hook TEXT DEFAULT '',
			msg TEXT NOT NULL,
			UNIQUE(run_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("failed to create run_logs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, seq)"); err != nil {
		return fmt.Errorf("failed to create idx_logs_run: %w", err)
	}

	eventsTable := `
		CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_data TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create run_events table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_run ON run_events(run_id, seq)"); err != nil {
		return fmt.Errorf("failed to create idx_events_run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateRun persists a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, record RunRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	hashes, artifacts, err := marshalRecordLists(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (id, experiment_id, snapshot_id, snapshot_hash, dataset_hash, seed,
			hook_code_hashes, status, created_at, started_at, finished_at, failing_stage, error, artifact_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.ExperimentID, record.SnapshotID, record.SnapshotHash, record.DatasetHash,
		record.Seed, hashes, record.Status, record.CreatedAt.Format(time.RFC3339Nano),
		formatTime(record.StartedAt), formatTime(record.FinishedAt),
		record.FailingStage, record.Error, artifacts,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun replaces the stored record. The WHERE clause refuses updates
// once the persisted status is terminal, enforcing record immutability at
// the storage layer as well as in the state machine.
func (s *SQLiteStore) UpdateRun(ctx context.Context, record RunRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	hashes, artifacts, err := marshalRecordLists(record)
	if err != nil {
		return err
	}
	query := `
		UPDATE runs SET status = ?, started_at = ?, finished_at = ?, failing_stage = ?, error = ?, artifact_ids = ?, hook_code_hashes = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		record.Status, formatTime(record.StartedAt), formatTime(record.FinishedAt),
		record.FailingStage, record.Error, artifacts, hashes,
		record.ID, StatusCompleted, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from immutable.
		var status string
		err := s.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", record.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check run status: %w", err)
		}
		return ErrImmutableRun
	}
	return nil
}

// GetRun retrieves a run record by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := s.guard(); err != nil {
		return RunRecord{}, err
	}
	query := `
		SELECT id, experiment_id, snapshot_id, snapshot_hash, dataset_hash, seed,
			hook_code_hashes, status, created_at, started_at, finished_at, failing_stage, error, artifact_ids
		FROM runs WHERE id = ?
	`
	return scanRun(s.db.QueryRowContext(ctx, query, runID))
}

// ListRuns returns records for an experiment, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, experimentID string) ([]RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, experiment_id, snapshot_id, snapshot_hash, dataset_hash, seed,
			hook_code_hashes, status, created_at, started_at, finished_at, failing_stage, error, artifact_ids
		FROM runs
		WHERE (? = '' OR experiment_id = ?)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return out, nil
}

// AppendLogs appends captured log lines for a run in one transaction.
func (s *SQLiteStore) AppendLogs(ctx context.Context, runID string, lines []LogRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO run_logs (run_id, seq, stage, hook, msg) VALUES (?, ?, ?, ?, ?)",
			runID, line.Seq, line.Stage, line.Hook, line.Msg,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to append log line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit logs: %w", err)
	}
	return nil
}

// Logs returns a run's log lines in sequence order.
func (s *SQLiteStore) Logs(ctx context.Context, runID string) ([]LogRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, stage, hook, msg FROM run_logs WHERE run_id = ? ORDER BY seq ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogRecord
	for rows.Next() {
		var line LogRecord
		if err := rows.Scan(&line.Seq, &line.Stage, &line.Hook, &line.Msg); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return out, nil
}

// AppendEvent appends one event to the run's persisted stream.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, event emit.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, seq, event_data) VALUES (?, ?, ?)",
		runID, event.Seq, string(data),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the run's full event stream in emission order.
func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]emit.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_data FROM run_events WHERE run_id = ? ORDER BY seq ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []emit.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev emit.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		record        RunRecord
		hashes        string
		artifacts     string
		createdAt     string
		startedAtStr  sql.NullString
		finishedAtStr sql.NullString
	)
	err := row.Scan(
		&record.ID, &record.ExperimentID, &record.SnapshotID, &record.SnapshotHash, &record.DatasetHash,
		&record.Seed, &hashes, &record.Status, &createdAt, &startedAtStr, &finishedAtStr,
		&record.FailingStage, &record.Error, &artifacts,
	)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to scan run: %w", err)
	}

	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return RunRecord{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if record.StartedAt, err = parseNullTime(startedAtStr); err != nil {
		return RunRecord{}, err
	}
	if record.FinishedAt, err = parseNullTime(finishedAtStr); err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(hashes), &record.HookCodeHashes); err != nil {
		return RunRecord{}, fmt.Errorf("failed to unmarshal hook code hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &record.ArtifactIDs); err != nil {
		return RunRecord{}, fmt.Errorf("failed to unmarshal artifact ids: %w", err)
	}
	return record, nil
}

func marshalRecordLists(record RunRecord) (hashes string, artifacts string, err error) {
	h, err := json.Marshal(orEmpty(record.HookCodeHashes))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal hook code hashes: %w", err)
	}
	a, err := json.Marshal(orEmpty(record.ArtifactIDs))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal artifact ids: %w", err)
	}
	return string(h), string(a), nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &t, nil
}
