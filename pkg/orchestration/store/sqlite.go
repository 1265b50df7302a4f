package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/fxamacker/cbor/v2"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS rounds (
		job_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		status TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (job_id, step)
	);

	CREATE TABLE IF NOT EXISTS reports (
		job_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		finished_at INTEGER NOT NULL,
		data BLOB NOT NULL
	);
`

// SQLiteStateStore keeps round history in a SQLite file so it survives
// arbiter restarts. Records are stored as CBOR blobs keyed by job and step.
type SQLiteStateStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	if path == "" {
		path = "dpsgd.db"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStateStore{db: db}, nil
}

var _ orchestration.StateStore = (*SQLiteStateStore)(nil)

var errClosed = errors.New("state store is closed")

func (s *SQLiteStateStore) SaveRound(ctx context.Context, r orchestration.RoundRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	data, err := cbor.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode round: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (job_id, step, status, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, step) DO UPDATE SET status = excluded.status, data = excluded.data`,
		r.JobID, int64(r.Step), string(r.Status), data)
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}

	return nil
}

func (s *SQLiteStateStore) GetRound(ctx context.Context, jobID string, step uint64) (orchestration.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return orchestration.RoundRecord{}, errClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM rounds WHERE job_id = ? AND step = ?`, jobID, int64(step)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestration.RoundRecord{}, orchestration.ErrRoundNotFound
	}
	if err != nil {
		return orchestration.RoundRecord{}, fmt.Errorf("failed to get round: %w", err)
	}

	var r orchestration.RoundRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return orchestration.RoundRecord{}, fmt.Errorf("failed to decode round: %w", err)
	}

	return r, nil
}

func (s *SQLiteStateStore) ListRounds(ctx context.Context, jobID string, offset, limit uint64) ([]orchestration.RoundRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, errClosed
	}

	var total uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rounds WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rounds: %w", err)
	}

	// SQLite treats a negative LIMIT as no limit.
	lim := int64(-1)
	if limit > 0 {
		lim = int64(limit)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM rounds WHERE job_id = ? ORDER BY step LIMIT ? OFFSET ?`,
		jobID, lim, int64(offset))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	rounds := []orchestration.RoundRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, 0, fmt.Errorf("failed to scan round: %w", err)
		}
		var r orchestration.RoundRecord
		if err := cbor.Unmarshal(data, &r); err != nil {
			return nil, 0, fmt.Errorf("failed to decode round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return rounds, total, nil
}

func (s *SQLiteStateStore) SaveReport(ctx context.Context, r orchestration.Report) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	data, err := cbor.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (job_id, reason, finished_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET reason = excluded.reason, finished_at = excluded.finished_at, data = excluded.data`,
		r.JobID, r.Reason, r.FinishedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	return nil
}

func (s *SQLiteStateStore) GetReport(ctx context.Context, jobID string) (orchestration.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return orchestration.Report{}, errClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM reports WHERE job_id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestration.Report{}, orchestration.ErrReportNotFound
	}
	if err != nil {
		return orchestration.Report{}, fmt.Errorf("failed to get report: %w", err)
	}

	var r orchestration.Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return orchestration.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}

	return r, nil
}

func (s *SQLiteStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}
