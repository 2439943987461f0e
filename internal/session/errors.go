package session

import (
	"errors"
	"fmt"

	"github.com/roach88/docmirror/internal/model"
)

// Error is a structured, recoverable session-management outcome.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// SessionID identifies the session involved, if any.
	SessionID string

	// ObjectKey identifies the locked object, if known.
	ObjectKey string

	// Holder is the user holding the lock (LOCK_HELD only).
	Holder string

	// Conflict carries both hashes (CONFLICT_DETECTED only).
	Conflict *model.Conflict
}

// Code categorizes session errors.
type Code string

const (
	// ErrCodeNotFound indicates no session with the given id exists.
	ErrCodeNotFound Code = "NOT_FOUND"

	// ErrCodeForbidden indicates the caller is not the locking user.
	ErrCodeForbidden Code = "FORBIDDEN"

	// ErrCodeExpired indicates the session outlived the maximum lock duration.
	ErrCodeExpired Code = "SESSION_EXPIRED"

	// ErrCodeLockHeld indicates another live session holds the object.
	ErrCodeLockHeld Code = "LOCK_HELD"

	// ErrCodeConflict indicates the primary object changed under the session.
	ErrCodeConflict Code = "CONFLICT_DETECTED"

	// ErrCodeAlreadyCompleted indicates the session was completed with a different hash.
	ErrCodeAlreadyCompleted Code = "ALREADY_COMPLETED"

	// ErrCodeInvalid indicates a malformed request.
	ErrCodeInvalid Code = "INVALID_REQUEST"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.SessionID != "" && e.ObjectKey != "":
		return fmt.Sprintf("%s: %s (session=%s, key=%s)", e.Code, e.Message, e.SessionID, e.ObjectKey)
	case e.SessionID != "":
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	case e.ObjectKey != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.ObjectKey)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConflictError reports a conflict as an error, for callers that refuse
// to overwrite without force.
func NewConflictError(sess *model.EditSession, c *model.Conflict) *Error {
	return &Error{
		Code:      ErrCodeConflict,
		Message:   c.Message,
		SessionID: sess.ID,
		ObjectKey: sess.ObjectKey,
		Conflict:  c,
	}
}

// CodeOf returns the code of a session Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound returns true if err is a NOT_FOUND session error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsForbidden returns true if err is a FORBIDDEN session error.
func IsForbidden(err error) bool { return CodeOf(err) == ErrCodeForbidden }

// IsExpired returns true if err is a SESSION_EXPIRED session error.
func IsExpired(err error) bool { return CodeOf(err) == ErrCodeExpired }

// IsLockHeld returns true if err is a LOCK_HELD session error.
func IsLockHeld(err error) bool { return CodeOf(err) == ErrCodeLockHeld }

// IsConflict returns true if err is a CONFLICT_DETECTED session error.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsAlreadyCompleted returns true if err is an ALREADY_COMPLETED session error.
func IsAlreadyCompleted(err error) bool { return CodeOf(err) == ErrCodeAlreadyCompleted }
