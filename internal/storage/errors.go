package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotConfigured reports that a backend's target or credentials are absent.
// It is fatal for a reconciliation run.
var ErrNotConfigured = errors.New("storage: backend not configured")

// ErrKind classifies a remote failure for retry purposes.
type ErrKind string

const (
	// KindTransient covers network failures, timeouts, throttling and 5xx responses.
	KindTransient ErrKind = "transient"

	// KindTerminal covers permission, validation and other 4xx responses.
	KindTerminal ErrKind = "terminal"

	// KindAuthExpired is a 401 / expired token. Retried once after a refresh.
	KindAuthExpired ErrKind = "auth_expired"

	// KindNotFound is a missing object. Never retried.
	KindNotFound ErrKind = "not_found"
)

// RemoteError is a failed call against a storage backend.
type RemoteError struct {
	Op         string // "list", "get", "put", "upload", ...
	Backend    string // "minio", "s3", "onedrive", ...
	Key        string // object key or item id, when known
	StatusCode int    // HTTP status, 0 when the request never got a response
	Kind       ErrKind
	Err        error
}

func (e *RemoteError) Error() string {
	var target string
	if e.Key != "" {
		target = " " + e.Key
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s.%s%s: %s (status %d): %v", e.Backend, e.Op, target, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s.%s%s: %s: %v", e.Backend, e.Op, target, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError classifies err from its HTTP status code (0 when unknown)
// and wraps it. Errors without a status are classified by KindOf.
func NewRemoteError(backend, op, key string, status int, err error) *RemoteError {
	kind := KindFromStatus(status)
	if status == 0 {
		kind = KindOf(err)
	}
	return &RemoteError{Op: op, Backend: backend, Key: key, StatusCode: status, Kind: kind, Err: err}
}

// KindFromStatus maps an HTTP status code onto an ErrKind.
func KindFromStatus(status int) ErrKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindTerminal
	default:
		return KindTerminal
	}
}

// KindOf classifies an arbitrary error. RemoteErrors report their own kind;
// deadline expiry and net.Error values are transient; anything else,
// including context cancellation, is terminal.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTerminal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTerminal || k == KindNotFound
}

// IsAuthExpired reports whether err is an expired or rejected credential.
func IsAuthExpired(err error) bool { return err != nil && KindOf(err) == KindAuthExpired }

// IsNotFound reports whether err is a missing object.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }
