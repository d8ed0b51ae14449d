package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/rtdispatch/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run CRUD ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	labelsJSON, err := json.Marshal(labelsOrEmpty(run.Labels))
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	status := run.Status
	if status == "" {
		status = model.RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, status, exit_code, error, ticks, event_count, labels, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Scenario, string(status), run.ExitCode, run.Error, run.Ticks, run.EventCount,
		string(labelsJSON), run.CreatedAt.Format(time.RFC3339Nano), formatTime(run.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, scenario, status, exit_code, error, ticks, event_count, labels, created_at, finished_at
		 FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, opts.Status)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, scenario, status, exit_code, error, ticks, event_count, labels, created_at, finished_at
		FROM runs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// FinishRun records the outcome of a run: status, exit code, error, ticks,
// event count and finish time.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "status", run.Status)

	if !run.Status.IsTerminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal", run.ID, run.Status)
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, error = ?, ticks = ?, event_count = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status), run.ExitCode, run.Error, run.Ticks, run.EventCount, formatTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// --- Trace events ---

// AppendEvents stores events of a run in one transaction. Sequence numbers
// must be unique within the run.
func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	s.logger.Debug("sql", "op", "insert", "table", "events", "run_id", runID, "count", len(events))
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, tick, kind, task, priority, resource, ceiling, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, runID, ev.Seq, ev.Tick, string(ev.Kind), string(ev.Task),
			ev.Priority, ev.Resource, ev.Ceiling, ev.Detail); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET event_count = (SELECT COUNT(*) FROM events WHERE run_id = ?) WHERE id = ?`,
		runID, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns the events of a run ordered by sequence number.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, q EventQuery) ([]model.Event, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "run_id", runID, "after", q.AfterSeq)

	whereClauses := []string{"run_id = ?", "seq > ?"}
	args := []any{runID, q.AfterSeq}
	if q.Task != "" {
		whereClauses = append(whereClauses, "task = ?")
		args = append(args, q.Task)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		whereClauses = append(whereClauses, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT seq, tick, kind, task, priority, resource, ceiling, detail FROM events
		WHERE ` + strings.Join(whereClauses, " AND ") + ` ORDER BY seq`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var kind, task string
		if err := rows.Scan(&ev.Seq, &ev.Tick, &kind, &task, &ev.Priority, &ev.Resource, &ev.Ceiling, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.Task = model.TaskID(task)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var status, labelsJSON, createdAt string
	var exitCode *int
	var finishedAt *string

	if err := row.Scan(&run.ID, &run.Scenario, &status, &exitCode, &run.Error, &run.Ticks,
		&run.EventCount, &labelsJSON, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.ExitCode = exitCode
	if err := json.Unmarshal([]byte(labelsJSON), &run.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if len(run.Labels) == 0 {
		run.Labels = nil
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		run.FinishedAt = &t
	}
	return &run, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func labelsOrEmpty(l map[string]string) map[string]string {
	if l == nil {
		return map[string]string{}
	}
	return l
}
