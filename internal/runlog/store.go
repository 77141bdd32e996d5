package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/spawnstep/internal/batch"
)

const maxStderrBytes = 64 * 1024

// timeLayout is RFC 3339 with a fixed-width fraction so stored timestamps
// sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// BeginRun inserts a running run and returns its id.
func (s *Store) BeginRun(ctx context.Context, meta RunMeta) (string, error) {
	if meta.Command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if meta.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	args := meta.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_log(
  id, command, args, working_dir, stdout_format, continue_on_fail, fingerprint, submitted_by, status, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, meta.Command, string(argsJSON), meta.WorkingDir, meta.StdoutFormat, meta.ContinueOnFail, meta.Fingerprint, meta.SubmittedBy, string(StatusRunning), now)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// RecordItem appends one item outcome and bumps the run's counters.
func (s *Store) RecordItem(ctx context.Context, runID string, rec batch.ItemRecord) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}

	input, err := marshalNullable(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalNullable(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	var kind, lastError, stderr any
	if rec.Status == batch.StatusFailed {
		kind = string(rec.Kind)
		lastError = rec.Error
		captured := rec.Stderr
		if len(captured) > maxStderrBytes {
			captured = captured[:maxStderrBytes]
		}
		stderr = captured
	}
	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}

	failed := 0
	if rec.Status == batch.StatusFailed {
		failed = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO item_log(
  run_id, item_index, status, kind, exit_code, duration_ms, input, output, last_error, stderr, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, rec.Index, string(rec.Status), kind, exitCode, rec.Duration.Milliseconds(), input, output, lastError, stderr,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert item_log: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE run_log
SET item_count = item_count + 1, failed_count = failed_count + ?
WHERE id = ?;
`, failed, runID)
	if err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal.
func (s *Store) FinishRun(ctx context.Context, runID string, status Status, lastError *string) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusPartial {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE run_log
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, string(status), time.Now().UTC().Format(timeLayout), lastError, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, command, args, working_dir, stdout_format, continue_on_fail, fingerprint, submitted_by,
  status, item_count, failed_count, created_at, completed_at, last_error`

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_log WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM run_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Items returns a run's item outcomes in batch order.
func (s *Store) Items(ctx context.Context, runID string) ([]ItemEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, item_index, status, kind, exit_code, duration_ms, input, output, last_error, stderr, completed_at
FROM item_log
WHERE run_id = ?
ORDER BY item_index ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []ItemEntry
	for rows.Next() {
		var (
			e            ItemEntry
			kind         sql.NullString
			exitCode     sql.NullInt64
			durationMs   int64
			input        sql.NullString
			output       sql.NullString
			lastError    sql.NullString
			stderr       sql.NullString
			completedAtS string
		)
		if err := rows.Scan(&e.RunID, &e.Index, &e.Status, &kind, &exitCode, &durationMs, &input, &output, &lastError, &stderr, &completedAtS); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		e.Kind = kind.String
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.ExitCode = &c
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if input.Valid {
			e.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		if stderr.Valid {
			e.Stderr = &stderr.String
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			e.CompletedAt = t
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Prune deletes completed runs older than retention along with their items.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `
DELETE FROM run_log
WHERE completed_at IS NOT NULL AND created_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Recorder returns a batch.Recorder that appends items to runID.
func (s *Store) Recorder(runID string) batch.Recorder {
	return &runRecorder{store: s, runID: runID}
}

type runRecorder struct {
	store *Store
	runID string
}

func (r *runRecorder) ItemDone(ctx context.Context, rec batch.ItemRecord) error {
	return r.store.RecordItem(ctx, r.runID, rec)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r            Run
		argsJSON     string
		workingDir   sql.NullString
		statusS      string
		createdAtS   string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.Command, &argsJSON, &workingDir, &r.StdoutFormat, &r.ContinueOnFail, &r.Fingerprint, &r.SubmittedBy,
		&statusS, &r.ItemCount, &r.FailedCount, &createdAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	r.WorkingDir = workingDir.String
	if err := json.Unmarshal([]byte(argsJSON), &r.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

// marshalNullable encodes v as JSON text, or SQL NULL for a nil map.
func marshalNullable(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
