// Package sqlite provides SQLite-based persistent storage for TuTu Flow:
// the execution log and the dropped-message log.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/logging"
)

// DefaultListLimit caps listings that do not set a limit.
const DefaultListLimit = 100

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			task_type   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			row_count   INTEGER NOT NULL DEFAULT 0,
			outputs     INTEGER NOT NULL DEFAULT 0,
			nodes       TEXT NOT NULL DEFAULT '[]',
			error       TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_finished ON executions(finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_task ON executions(task_type, status)`,

		`CREATE TABLE IF NOT EXISTS dropped_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			stage      TEXT NOT NULL,
			node       TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL,
			row_count  INTEGER NOT NULL DEFAULT 0,
			error      TEXT NOT NULL,
			dropped_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dropped_at ON dropped_messages(dropped_at)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Execution Log ──────────────────────────────────────────────────────────

// RecordExecution appends one engine run to the log.
func (d *DB) RecordExecution(ctx context.Context, r domain.ExecutionRecord) error {
	nodes, err := json.Marshal(r.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO executions (message_id, task_type, status, row_count, outputs, nodes, error, duration_ns, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.TaskType, r.Status, r.Rows, r.Outputs, string(nodes),
		r.Error, int64(r.Duration), r.FinishedAt.UnixMilli(),
	)
	return err
}

// ListExecutions returns runs newest first.
func (d *DB) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	query := `SELECT id, message_id, task_type, status, row_count, outputs, nodes, error, duration_ns, finished_at
		 FROM executions WHERE 1=1`
	var args []any
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetExecution returns the latest run of one message, or nil when the
// message was never executed.
func (d *DB) GetExecution(ctx context.Context, messageID string) (*domain.ExecutionRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, message_id, task_type, status, row_count, outputs, nodes, error, duration_ns, finished_at
		 FROM executions WHERE message_id = ? ORDER BY id DESC LIMIT 1`, messageID,
	)
	r, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CountExecutions returns run counts keyed by status.
func (d *DB) CountExecutions(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneExecutions deletes runs finished before cutoff and returns how many
// were removed.
func (d *DB) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── Dropped Messages ───────────────────────────────────────────────────────

// ReportError records a message dropped by a pipeline stage. It satisfies
// the pipeline's error sink contract, which has no error return, so store
// failures are logged.
func (d *DB) ReportError(ctx context.Context, stage string, msg *domain.ControlMessage, err error) {
	rec := domain.DroppedMessage{
		Stage:     stage,
		MessageID: msg.ID(),
		Rows:      msg.NumRows(),
		Error:     err.Error(),
		DroppedAt: time.Now(),
	}
	var nodeErr *domain.NodeError
	if errors.As(err, &nodeErr) {
		rec.Node = nodeErr.Node
	}
	if rerr := d.RecordDropped(context.WithoutCancel(ctx), rec); rerr != nil {
		logging.New("store").Warn("record dropped message", "stage", stage, "message", rec.MessageID, "error", rerr)
	}
}

// RecordDropped appends one dropped message.
func (d *DB) RecordDropped(ctx context.Context, r domain.DroppedMessage) error {
	if r.DroppedAt.IsZero() {
		r.DroppedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO dropped_messages (stage, node, message_id, row_count, error, dropped_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Stage, r.Node, r.MessageID, r.Rows, r.Error, r.DroppedAt.UnixMilli(),
	)
	return err
}

// ListDropped returns dropped messages newest first.
func (d *DB) ListDropped(ctx context.Context, limit int) ([]domain.DroppedMessage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, stage, node, message_id, row_count, error, dropped_at
		 FROM dropped_messages ORDER BY dropped_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DroppedMessage
	for rows.Next() {
		var r domain.DroppedMessage
		var at int64
		if err := rows.Scan(&r.ID, &r.Stage, &r.Node, &r.MessageID, &r.Rows, &r.Error, &at); err != nil {
			return nil, err
		}
		r.DroppedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Meta ───────────────────────────────────────────────────────────────────

// SetMeta stores a key-value pair in meta.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetMeta retrieves a value from meta.
func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (domain.ExecutionRecord, error) {
	var r domain.ExecutionRecord
	var nodes string
	var durationNs, finishedAt int64
	err := s.Scan(&r.ID, &r.MessageID, &r.TaskType, &r.Status, &r.Rows, &r.Outputs,
		&nodes, &r.Error, &durationNs, &finishedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(nodes), &r.Nodes); err != nil {
		return r, fmt.Errorf("decode nodes: %w", err)
	}
	r.Duration = time.Duration(durationNs)
	r.FinishedAt = time.UnixMilli(finishedAt)
	return r, nil
}
