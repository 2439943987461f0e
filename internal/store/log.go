package store

import (
	"context"
	"fmt"

	"github.com/roach88/docmirror/internal/model"
)

// AppendLog writes one sync log entry and returns its id.
// The table rejects updates and deletes.
func (s *Store) AppendLog(ctx context.Context, e model.SyncLogEntry) (int64, error) {
	if e.Operation == "" {
		return 0, fmt.Errorf("append log: operation is empty")
	}
	switch e.Status {
	case model.LogSuccess, model.LogError:
	default:
		return 0, fmt.Errorf("append log: unknown status %q", e.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (operation, subject, status, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.Operation,
		e.Subject,
		string(e.Status),
		e.Message,
		e.Details,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("append log %s: %w", e.Operation, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log %s: last insert id: %w", e.Operation, err)
	}
	return id, nil
}

// LogFilter narrows ListLog. Zero values match everything.
type LogFilter struct {
	Operation string
	Subject   string
	Limit     int
}

// ListLog returns entries newest first.
func (s *Store) ListLog(ctx context.Context, f LogFilter) ([]model.SyncLogEntry, error) {
	query := `
		SELECT id, operation, subject, status, message, details, created_at
		FROM sync_log
		WHERE (? = '' OR operation = ?) AND (? = '' OR subject = ?)
		ORDER BY id DESC`
	args := []any{f.Operation, f.Operation, f.Subject, f.Subject}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	var out []model.SyncLogEntry
	for rows.Next() {
		var (
			e                 model.SyncLogEntry
			status, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.Subject, &status, &e.Message, &e.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("list log: %w", err)
		}
		e.Status = model.LogStatus(status)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	return out, nil
}
