package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

const defaultHistoryLimit = 50

// Record stores one finished call attempt. It satisfies call.CallLog.
func (d *DB) Record(ctx context.Context, r call.Record) error {
	dur := r.EndedAt.Sub(r.StartedAt)
	if dur < 0 || r.Status != call.StatusAnswered {
		dur = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _call_logs
			(id, conversation_id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.CallerID, r.CalleeID, string(r.CallType), r.Status,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(), dur.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// ListCallLogs returns the newest call records, optionally limited to one
// conversation. A limit <= 0 uses the default.
func (d *DB) ListCallLogs(conversationID string, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	q := `SELECT id, conversation_id, caller_id, callee_id, call_type, status, started_at, ended_at
		FROM _call_logs`
	args := []any{}
	if conversationID != "" {
		q += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []call.Record{}
	for rows.Next() {
		var r call.Record
		var ct string
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.CallerID, &r.CalleeID, &ct, &r.Status, &started, &ended); err != nil {
			return nil, err
		}
		r.CallType = call.CallType(ct)
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallStats counts records per status for a conversation.
func (d *DB) CallStats(conversationID string) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM _call_logs WHERE conversation_id = ? GROUP BY status`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
