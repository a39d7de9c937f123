package store

import (
	"context"
	"fmt"
	"time"

	"github.com/slotwatch/slotwatch/idgen"
)

// AppendLog records one log line. Never fails the caller's operation: the
// API layer treats log-write errors as advisory, so this returns the error
// for the caller to log rather than act on.
func (s *Store) AppendLog(ctx context.Context, entry *LogEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.Log()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (id, timestamp, level, message, step, details)
		VALUES (?,?,?,?,?,?)`,
		entry.ID, entry.Timestamp, entry.Level, entry.Message, entry.Step, entry.Details)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	if s.onLog != nil {
		s.onLog(entry)
	}
	return nil
}

// ListLogs returns the newest log lines, newest first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, level, message, step, details
		FROM system_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Message, &e.Step, &e.Details); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountLogs returns the total number of stored log lines.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count logs: %w", err)
	}
	return n, nil
}

// PruneLogs deletes log lines older than the cutoff. Returns rows removed.
func (s *Store) PruneLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM system_logs WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
