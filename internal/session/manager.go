// Package session arbitrates exclusive edit sessions on primary-store objects.
//
// Each object key has at most one active session. A session records the
// content hash of the object when the lock was taken; validation compares it
// with the live hash to detect edits made behind the lock holder's back.
// Sessions expire lazily: age is checked whenever a session is read, and no
// background process ever touches session state.
//
// Every state transition is a compare-and-set on the session's status, so two
// racing completions cannot both win.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/store"
	"github.com/roach88/docmirror/internal/synclog"
)

// DefaultMaxLockDuration bounds the age of an active session.
const DefaultMaxLockDuration = 4 * time.Hour

// Store is the session persistence the manager needs. *store.Store implements it.
type Store interface {
	InsertSession(ctx context.Context, sess model.EditSession) error
	GetSession(ctx context.Context, id string) (*model.EditSession, error)
	ActiveSessionForKey(ctx context.Context, key string) (*model.EditSession, error)
	CompleteSession(ctx context.Context, id, finalHash string, at time.Time) (bool, error)
	ExpireSession(ctx context.Context, id string) (bool, error)
	LastCompletedSession(ctx context.Context, key string) (*model.EditSession, error)
}

// AcquireRequest names the object to lock and who is locking it.
type AcquireRequest struct {
	ObjectKey  string
	DocumentID string
	UserID     string
}

// Validation is the outcome of a successful Validate call.
// Conflict is non-nil when the primary object changed since the lock was taken.
type Validation struct {
	Session  *model.EditSession `json:"session"`
	Conflict *model.Conflict    `json:"conflict,omitempty"`
}

// Completion is the outcome of a successful Complete call.
type Completion struct {
	Session *model.EditSession `json:"session"`
	// Redundant is set when the session was already completed with the same hash.
	Redundant bool `json:"redundant"`
	// Changed reports whether the final hash differs from the original.
	Changed bool `json:"changed"`
}

// Manager grants, validates and completes edit sessions.
type Manager struct {
	store   Store
	primary storage.Primary
	retry   *retry.Executor
	log     *synclog.Log
	now     func() time.Time
	ids     IDGenerator
	maxLock time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetry sets the executor wrapping primary-store reads.
func WithRetry(e *retry.Executor) Option { return func(m *Manager) { m.retry = e } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator sets the session id source.
func WithIDGenerator(g IDGenerator) Option { return func(m *Manager) { m.ids = g } }

// WithMaxLockDuration sets the expiry age. Non-positive disables expiry.
func WithMaxLockDuration(d time.Duration) Option { return func(m *Manager) { m.maxLock = d } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager.
func New(st Store, primary storage.Primary, log *synclog.Log, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		primary: primary,
		log:     log,
		now:     time.Now,
		ids:     UUIDv7Generator{},
		maxLock: DefaultMaxLockDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.retry == nil {
		m.retry = retry.New(retry.WithLogger(m.logger))
	}
	return m
}

// MaxLockDuration returns the configured expiry age.
func (m *Manager) MaxLockDuration() time.Duration { return m.maxLock }

// Acquire locks req.ObjectKey for req.UserID, capturing the current primary
// content hash. A live session held by anyone yields LOCK_HELD; an expired
// one is retired first.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*model.EditSession, error) {
	sess, _, err := m.AcquireContent(ctx, req)
	return sess, err
}

// AcquireContent is Acquire that also returns the primary bytes the
// original hash was computed from.
func (m *Manager) AcquireContent(ctx context.Context, req AcquireRequest) (*model.EditSession, []byte, error) {
	if req.ObjectKey == "" || req.UserID == "" {
		return nil, nil, &Error{Code: ErrCodeInvalid, Message: "object key and user id are required", ObjectKey: req.ObjectKey}
	}
	if m.primary == nil {
		return nil, nil, fmt.Errorf("acquire %s: primary store: %w", req.ObjectKey, storage.ErrNotConfigured)
	}

	if err := m.checkLockFree(ctx, req.ObjectKey); err != nil {
		m.log.Failure(ctx, synclog.OpSessionAcquire, req.ObjectKey, err.Error(), model.Details{"user_id": req.UserID})
		return nil, nil, err
	}

	data, err := retry.Value(ctx, m.retry, "primary.get", func(ctx context.Context) ([]byte, error) {
		return m.primary.Get(ctx, req.ObjectKey)
	}, retry.WithRefresher(retry.RefresherOf(m.primary)))
	if err != nil {
		err = fmt.Errorf("acquire %s: read primary: %w", req.ObjectKey, err)
		m.log.Failure(ctx, synclog.OpSessionAcquire, req.ObjectKey, err.Error(), model.Details{"user_id": req.UserID})
		return nil, nil, err
	}

	sess := model.EditSession{
		ID:           m.ids.Generate(),
		ObjectKey:    req.ObjectKey,
		DocumentID:   req.DocumentID,
		UserID:       req.UserID,
		LockedAt:     m.now().UTC(),
		OriginalHash: hasher.Sum(data),
		Status:       model.SessionActive,
	}

	if err := m.store.InsertSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			// Lost a race with another acquirer between the check and the insert.
			if held := m.checkLockFree(ctx, req.ObjectKey); held != nil {
				err = held
			}
		}
		m.log.Failure(ctx, synclog.OpSessionAcquire, req.ObjectKey, err.Error(), model.Details{"user_id": req.UserID})
		return nil, nil, err
	}

	m.log.Success(ctx, synclog.OpSessionAcquire, req.ObjectKey, "session acquired", model.Details{
		"session_id":    sess.ID,
		"user_id":       sess.UserID,
		"original_hash": sess.OriginalHash,
	})
	return &sess, data, nil
}

// checkLockFree returns LOCK_HELD when a live session exists on key.
// An expired active session is moved to expired.
func (m *Manager) checkLockFree(ctx context.Context, key string) error {
	existing, err := m.store.ActiveSessionForKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}

	if existing.ExpiredAt(m.now(), m.maxLock) {
		if _, err := m.store.ExpireSession(ctx, existing.ID); err != nil {
			return fmt.Errorf("acquire %s: expire stale session: %w", key, err)
		}
		m.logger.Info("retired expired session", "session_id", existing.ID, "key", key, "locked_at", existing.LockedAt)
		return nil
	}

	return &Error{
		Code:      ErrCodeLockHeld,
		Message:   fmt.Sprintf("locked by %s since %s", existing.UserID, existing.LockedAt.Format(time.RFC3339)),
		SessionID: existing.ID,
		ObjectKey: key,
		Holder:    existing.UserID,
	}
}

// Validate checks that userID may still act on the session and compares
// currentPrimaryHash with the hash captured at acquire time. A mismatch is
// reported as Validation.Conflict, not as an error. Validate never changes
// session state.
func (m *Manager) Validate(ctx context.Context, sessionID, userID, currentPrimaryHash string) (*Validation, error) {
	sess, err := m.usable(ctx, sessionID, userID)
	if err != nil {
		m.log.Failure(ctx, synclog.OpSessionValidate, subjectOf(sess), err.Error(), model.Details{"session_id": sessionID, "user_id": userID})
		return nil, err
	}

	v := &Validation{Session: sess}
	if !hasher.Equal(currentPrimaryHash, sess.OriginalHash) {
		v.Conflict = &model.Conflict{
			Message:      "object was modified in the primary store after the session was acquired",
			OriginalHash: sess.OriginalHash,
			CurrentHash:  currentPrimaryHash,
			DetectedAt:   m.now().UTC(),
		}
		m.log.Failure(ctx, synclog.OpSessionValidate, sess.ObjectKey, v.Conflict.Message, model.Details{
			"session_id":    sess.ID,
			"original_hash": sess.OriginalHash,
			"current_hash":  currentPrimaryHash,
		})
		return v, nil
	}

	m.log.Success(ctx, synclog.OpSessionValidate, sess.ObjectKey, "session valid", model.Details{"session_id": sess.ID})
	return v, nil
}

// usable loads the session and applies the ownership, completion and expiry
// checks shared by Validate. The session is returned alongside most errors.
func (m *Manager) usable(ctx context.Context, sessionID, userID string) (*model.EditSession, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return sess, forbidden(sess)
	}
	switch {
	case sess.Status == model.SessionCompleted:
		return sess, &Error{Code: ErrCodeAlreadyCompleted, Message: "session already completed", SessionID: sess.ID, ObjectKey: sess.ObjectKey}
	case sess.ExpiredAt(m.now(), m.maxLock):
		return sess, expired(sess, m.maxLock)
	}
	return sess, nil
}

// Complete moves the session to completed with finalHash as the new baseline.
// Completing an already-completed session with the same hash succeeds with
// Redundant set; a different hash yields ALREADY_COMPLETED.
func (m *Manager) Complete(ctx context.Context, sessionID, userID, finalHash string) (*Completion, error) {
	c, err := m.complete(ctx, sessionID, userID, finalHash)
	if err != nil {
		var subject string
		var se *Error
		if errors.As(err, &se) {
			subject = se.ObjectKey
		}
		m.log.Failure(ctx, synclog.OpSessionComplete, subject, err.Error(), model.Details{"session_id": sessionID, "user_id": userID})
		return nil, err
	}

	msg := "session completed"
	if c.Redundant {
		msg = "session already completed with the same hash"
	}
	m.log.Success(ctx, synclog.OpSessionComplete, c.Session.ObjectKey, msg, model.Details{
		"session_id":    c.Session.ID,
		"final_hash":    c.Session.FinalHash,
		"changed":       c.Changed,
		"redundant":     c.Redundant,
		"original_hash": c.Session.OriginalHash,
	})
	return c, nil
}

func (m *Manager) complete(ctx context.Context, sessionID, userID, finalHash string) (*Completion, error) {
	if finalHash == "" {
		return nil, &Error{Code: ErrCodeInvalid, Message: "final hash is required", SessionID: sessionID}
	}
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, forbidden(sess)
	}

	switch sess.Status {
	case model.SessionCompleted:
		return resolveCompleted(sess, finalHash)
	case model.SessionExpired:
		return nil, expired(sess, m.maxLock)
	}

	now := m.now().UTC()
	if sess.ExpiredAt(now, m.maxLock) {
		if _, err := m.store.ExpireSession(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("complete %s: expire session: %w", sess.ID, err)
		}
		return nil, expired(sess, m.maxLock)
	}

	won, err := m.store.CompleteSession(ctx, sess.ID, finalHash, now)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", sess.ID, err)
	}
	if !won {
		// Someone else moved the session first; judge our call against theirs.
		latest, err := m.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if latest.Status == model.SessionCompleted {
			return resolveCompleted(latest, finalHash)
		}
		return nil, expired(latest, m.maxLock)
	}

	sess.Status = model.SessionCompleted
	sess.FinalHash = finalHash
	sess.CompletedAt = now
	return &Completion{Session: sess, Changed: !hasher.Equal(finalHash, sess.OriginalHash)}, nil
}

func resolveCompleted(sess *model.EditSession, finalHash string) (*Completion, error) {
	if hasher.Equal(sess.FinalHash, finalHash) {
		return &Completion{
			Session:   sess,
			Redundant: true,
			Changed:   !hasher.Equal(sess.FinalHash, sess.OriginalHash),
		}, nil
	}
	return nil, &Error{
		Code:      ErrCodeAlreadyCompleted,
		Message:   fmt.Sprintf("session already completed with hash %s", sess.FinalHash),
		SessionID: sess.ID,
		ObjectKey: sess.ObjectKey,
	}
}

// Release ends an active session without recording an edit, so LastEditor
// never names its user. It rolls back a checkout whose copy never reached
// the edit folder.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	won, err := m.store.ExpireSession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("release %s: %w", sess.ID, err)
	}
	if !won {
		return &Error{Code: ErrCodeNotFound, Message: "session is not active", SessionID: sess.ID, ObjectKey: sess.ObjectKey}
	}
	m.log.Success(ctx, synclog.OpSessionRelease, sess.ObjectKey, "session released", model.Details{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
	})
	return nil
}

// LastEditor returns the user of the most recently completed session on key.
// ok is false when no session on key was ever completed.
func (m *Manager) LastEditor(ctx context.Context, objectKey string) (userID string, ok bool, err error) {
	sess, err := m.store.LastCompletedSession(ctx, objectKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last editor %s: %w", objectKey, err)
	}
	return sess.UserID, true, nil
}

// ActiveSession returns the live session on objectKey, or NOT_FOUND when the
// key is unlocked or its session has outlived the lock duration.
func (m *Manager) ActiveSession(ctx context.Context, objectKey string) (*model.EditSession, error) {
	sess, err := m.store.ActiveSessionForKey(ctx, objectKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.ExpiredAt(m.now(), m.maxLock)) {
		return nil, &Error{Code: ErrCodeNotFound, Message: "no active session", ObjectKey: objectKey}
	}
	if err != nil {
		return nil, fmt.Errorf("active session %s: %w", objectKey, err)
	}
	return sess, nil
}

// Session returns the session with id, or NOT_FOUND.
func (m *Manager) Session(ctx context.Context, sessionID string) (*model.EditSession, error) {
	return m.load(ctx, sessionID)
}

func (m *Manager) load(ctx context.Context, sessionID string) (*model.EditSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Code: ErrCodeNotFound, Message: "no such session", SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return sess, nil
}

func forbidden(sess *model.EditSession) *Error {
	return &Error{Code: ErrCodeForbidden, Message: "session belongs to another user", SessionID: sess.ID, ObjectKey: sess.ObjectKey}
}

func expired(sess *model.EditSession, maxLock time.Duration) *Error {
	return &Error{
		Code:      ErrCodeExpired,
		Message:   fmt.Sprintf("session locked at %s exceeded %s", sess.LockedAt.Format(time.RFC3339), maxLock),
		SessionID: sess.ID,
		ObjectKey: sess.ObjectKey,
	}
}

func subjectOf(sess *model.EditSession) string {
	if sess == nil {
		return ""
	}
	return sess.ObjectKey
}
