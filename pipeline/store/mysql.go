package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/mlpipe-go/pipeline/emit"
)

// MySQLStore is a MySQL implementation of RunStore.
//
// Designed for:
//   - Multi-process deployments sharing one run ledger
//   - Production workloads needing a server-backed database
//
// The schema mirrors the SQLite store: runs, run_logs, run_events.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed run store.
//
// The DSN follows go-sql-driver format, e.g.
// "user:password@tcp(localhost:3306)/mlpipe?parseTime=true". The
// parseTime=true option is required for timestamp scanning.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			experiment_id VARCHAR(64) NOT NULL,
			snapshot_id VARCHAR(64) NOT NULL,
			snapshot_hash VARCHAR(64) NOT NULL,
			dataset_hash VARCHAR(64) NOT NULL,
			seed BIGINT NOT NULL,
			hook_code_hashes JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			finished_at DATETIME(6) NULL,
			failing_stage VARCHAR(64) NOT NULL DEFAULT '',
			error TEXT,
			artifact_ids JSON NOT NULL,
			INDEX idx_runs_experiment (experiment_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS run_logs (
			run_id VARCHAR(64) NOT NULL,
			seq INT NOT NULL,
			stage VARCHAR(64) NOT NULL DEFAULT '',
			hook VARCHAR(16) NOT NULL DEFAULT '',
			msg TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("failed to create run_logs table: %w", err)
	}

	eventsTable := `
		CREATE TABLE IF NOT EXISTS run_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			seq INT NOT NULL,
			event_data JSON NOT NULL,
			INDEX idx_events_run (run_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create run_events table: %w", err)
	}

	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateRun persists a new run record.
func (s *MySQLStore) CreateRun(ctx context.Context, record RunRecord) error {
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
		record.Seed, hashes, record.Status, record.CreatedAt, record.StartedAt, record.FinishedAt,
		record.FailingStage, record.Error, artifacts,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun replaces the stored record, refusing updates once the
// persisted status is terminal.
func (s *MySQLStore) UpdateRun(ctx context.Context, record RunRecord) error {
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
		record.Status, record.StartedAt, record.FinishedAt,
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
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := s.guard(); err != nil {
		return RunRecord{}, err
	}
	query := `
		SELECT id, experiment_id, snapshot_id, snapshot_hash, dataset_hash, seed,
			hook_code_hashes, status, created_at, started_at, finished_at, failing_stage, error, artifact_ids
		FROM runs WHERE id = ?
	`
	return scanMySQLRun(s.db.QueryRowContext(ctx, query, runID))
}

// ListRuns returns records for an experiment, newest first.
func (s *MySQLStore) ListRuns(ctx context.Context, experimentID string) ([]RunRecord, error) {
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
		record, err := scanMySQLRun(rows)
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
func (s *MySQLStore) AppendLogs(ctx context.Context, runID string, lines []LogRecord) error {
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
func (s *MySQLStore) Logs(ctx context.Context, runID string) ([]LogRecord, error) {
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
func (s *MySQLStore) AppendEvent(ctx context.Context, runID string, event emit.Event) error {
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
func (s *MySQLStore) Events(ctx context.Context, runID string) ([]emit.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_data FROM run_events WHERE run_id = ? ORDER BY seq ASC, id ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []emit.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev emit.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func scanMySQLRun(row rowScanner) (RunRecord, error) {
	var (
		record    RunRecord
		hashes    []byte
		artifacts []byte
	)
	err := row.Scan(
		&record.ID, &record.ExperimentID, &record.SnapshotID, &record.SnapshotHash, &record.DatasetHash,
		&record.Seed, &hashes, &record.Status, &record.CreatedAt, &record.StartedAt, &record.FinishedAt,
		&record.FailingStage, &record.Error, &artifacts,
	)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to scan run: %w", err)
	}
	if err := json.Unmarshal(hashes, &record.HookCodeHashes); err != nil {
		return RunRecord{}, fmt.Errorf("failed to unmarshal hook code hashes: %w", err)
	}
	if err := json.Unmarshal(artifacts, &record.ArtifactIDs); err != nil {
		return RunRecord{}, fmt.Errorf("failed to unmarshal artifact ids: %w", err)
	}
	return record, nil
}
