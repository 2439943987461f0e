package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/docmirror/internal/model"
)

const sessionColumns = `id, object_key, document_id, user_id, locked_at, original_hash,
	status, final_hash, completed_at`

// InsertSession stores a new active session.
// Returns ErrActiveSessionExists if the key already has one.
func (s *Store) InsertSession(ctx context.Context, sess model.EditSession) error {
	if sess.Status != model.SessionActive {
		return fmt.Errorf("insert session %s: status must be active, got %q", sess.ID, sess.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`,
		sess.ID,
		sess.ObjectKey,
		sess.DocumentID,
		sess.UserID,
		formatTime(sess.LockedAt),
		sess.OriginalHash,
		string(sess.Status),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert session for %s: %w", sess.ObjectKey, ErrActiveSessionExists)
	}
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session with id or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*model.EditSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM edit_sessions
		WHERE id = ?
	`, id)
	return s.oneSession(row, "get session "+id)
}

// ActiveSessionForKey returns the active session on key or ErrNotFound.
// Expiry is not evaluated here.
func (s *Store) ActiveSessionForKey(ctx context.Context, key string) (*model.EditSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM edit_sessions
		WHERE object_key = ? AND status = 'active'
	`, key)
	return s.oneSession(row, "active session for "+key)
}

// LastCompletedSession returns the most recently completed session on key
// or ErrNotFound.
func (s *Store) LastCompletedSession(ctx context.Context, key string) (*model.EditSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM edit_sessions
		WHERE object_key = ? AND status = 'completed'
		ORDER BY completed_at DESC, id DESC
		LIMIT 1
	`, key)
	return s.oneSession(row, "last completed session for "+key)
}

// ListActiveSessions returns all active sessions ordered by lock time.
func (s *Store) ListActiveSessions(ctx context.Context) ([]model.EditSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM edit_sessions
		WHERE status = 'active'
		ORDER BY locked_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []model.EditSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

// CompleteSession moves an active session to completed.
// Returns false when the session was no longer active.
func (s *Store) CompleteSession(ctx context.Context, id, finalHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edit_sessions
		SET status = 'completed', final_hash = ?, completed_at = ?
		WHERE id = ? AND status = 'active'
	`, finalHash, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("complete session %s: %w", id, err)
	}
	return affectedOne(res, "complete session "+id)
}

// ExpireSession moves an active session to expired.
// Returns false when the session was no longer active.
func (s *Store) ExpireSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edit_sessions
		SET status = 'expired'
		WHERE id = ? AND status = 'active'
	`, id)
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", id, err)
	}
	return affectedOne(res, "expire session "+id)
}

func affectedOne(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n == 1, nil
}

func (s *Store) oneSession(row *sql.Row, op string) (*model.EditSession, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sess, nil
}

func scanSession(sc rowScanner) (*model.EditSession, error) {
	var (
		sess                 model.EditSession
		lockedAt, status     string
		finalHash, completed sql.NullString
	)
	if err := sc.Scan(
		&sess.ID,
		&sess.ObjectKey,
		&sess.DocumentID,
		&sess.UserID,
		&lockedAt,
		&sess.OriginalHash,
		&status,
		&finalHash,
		&completed,
	); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	sess.FinalHash = finalHash.String

	var err error
	if sess.LockedAt, err = parseTime(lockedAt); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &sess, nil
}
