package cli

import (
	"errors"

	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/session"
	"github.com/roach88/docmirror/internal/storage"
)

// Error codes for CLI responses.
const (
	CodeGeneric        = "E001" // Generic/unknown error
	CodeConfig         = "E002" // Configuration missing or invalid
	CodeDatabase       = "E003" // Database open/query failure
	CodeNotConfigured  = "E004" // Adapter needed by the command is not configured
	CodeRemote         = "E005" // Terminal remote failure
	CodeRetryExhausted = "E006" // Transient failure persisted past the retry policy
	CodeBackupErrors   = "E007" // Backup run finished with per-file errors

	// Session codes
	CodeSessionNotFound  = "E101"
	CodeForbidden        = "E102"
	CodeSessionExpired   = "E103"
	CodeLockHeld         = "E104"
	CodeConflict         = "E105"
	CodeAlreadyCompleted = "E106"
	CodeInvalidRequest   = "E107"
)

var (
	errConfig   = errors.New("configuration error")
	errDatabase = errors.New("database error")
)

var sessionCodes = map[session.Code]string{
	session.ErrCodeNotFound:         CodeSessionNotFound,
	session.ErrCodeForbidden:        CodeForbidden,
	session.ErrCodeExpired:          CodeSessionExpired,
	session.ErrCodeLockHeld:         CodeLockHeld,
	session.ErrCodeConflict:         CodeConflict,
	session.ErrCodeAlreadyCompleted: CodeAlreadyCompleted,
	session.ErrCodeInvalid:          CodeInvalidRequest,
}

// classify maps err to a CLI error code and exit code.
func classify(err error) (string, int) {
	if c := session.CodeOf(err); c != "" {
		if code, ok := sessionCodes[c]; ok {
			return code, ExitFailure
		}
	}
	switch {
	case errors.Is(err, errConfig):
		return CodeConfig, ExitCommandError
	case errors.Is(err, errDatabase):
		return CodeDatabase, ExitCommandError
	case errors.Is(err, storage.ErrNotConfigured):
		return CodeNotConfigured, ExitCommandError
	case errors.Is(err, retry.ErrRetryExhausted):
		return CodeRetryExhausted, ExitFailure
	}
	var re *storage.RemoteError
	if errors.As(err, &re) {
		return CodeRemote, ExitFailure
	}
	return CodeGeneric, ExitFailure
}

// errorDetails extracts structured context for the error payload.
func errorDetails(err error) interface{} {
	var se *session.Error
	if errors.As(err, &se) {
		d := map[string]interface{}{"code": string(se.Code)}
		if se.SessionID != "" {
			d["session_id"] = se.SessionID
		}
		if se.ObjectKey != "" {
			d["object_key"] = se.ObjectKey
		}
		if se.Holder != "" {
			d["holder"] = se.Holder
		}
		if se.Conflict != nil {
			d["conflict"] = se.Conflict
		}
		return d
	}
	var re *storage.RemoteError
	if errors.As(err, &re) {
		return map[string]interface{}{
			"backend": re.Backend,
			"op":      re.Op,
			"key":     re.Key,
			"status":  re.StatusCode,
			"kind":    string(storage.KindOf(err)),
		}
	}
	return nil
}

// report writes err through the formatter and returns the matching
// ExitError. The returned error has already been shown to the user.
func report(out *OutputFormatter, err error) error {
	code, exit := classify(err)
	_ = out.Error(code, err.Error(), errorDetails(err))
	return WrapExitError(exit, "reported", errReported{err})
}

// errReported marks an error already written by the formatter.
type errReported struct{ err error }

func (e errReported) Error() string { return e.err.Error() }
func (e errReported) Unwrap() error { return e.err }

// Reported reports whether err was already written to the user.
func Reported(err error) bool {
	var r errReported
	return errors.As(err, &r)
}
