package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend failure classification.
// Use errors.Is(err, store.ErrConflict) to check.
var (
	// ErrNotConfigured — no backend configuration is present. Reads may
	// legitimately return empty in this case; writes must fail loudly.
	ErrNotConfigured = errors.New("store: no backend configured")

	// ErrNotFound — the document id is absent. Not an error for Delete.
	ErrNotFound = errors.New("store: document not found")

	// ErrConflict — version token mismatch on write. The losing writer must
	// re-fetch and retry with the new token, never blindly overwrite.
	ErrConflict = errors.New("store: version conflict")

	// ErrAuthFailure — sign-in or token invalid/expired and re-acquisition failed.
	ErrAuthFailure = errors.New("store: authentication failure")

	// ErrPermissionDenied — authenticated but insufficient rights.
	ErrPermissionDenied = errors.New("store: permission denied")

	// ErrNetwork — transport-level failure.
	ErrNetwork = errors.New("store: network error")

	// ErrRemoteUnavailable — the target collection/repo does not exist yet.
	// Treated as "empty" for reads; fatal for the first write only if the
	// parent collection cannot be auto-created.
	ErrRemoteUnavailable = errors.New("store: remote collection unavailable")
)

// BackendError wraps a sentinel with the backend kind, operation, HTTP
// status, and the remote error message for debugging.
type BackendError struct {
	Backend    string
	Op         string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: HTTP %d: %s", e.Backend, e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Op, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Kind maps an error to its sentinel name for wire transport (the proxy
// service carries it in error payloads so the thin-proxy adapter can
// reconstruct the typed error on its side). Unknown errors map to "".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrRemoteUnavailable):
		return "remote_unavailable"
	default:
		return ""
	}
}

// SentinelFor reverses Kind. Returns nil for unknown kinds.
func SentinelFor(kind string) error {
	switch kind {
	case "not_configured":
		return ErrNotConfigured
	case "not_found":
		return ErrNotFound
	case "conflict":
		return ErrConflict
	case "auth_failure":
		return ErrAuthFailure
	case "permission_denied":
		return ErrPermissionDenied
	case "network_error":
		return ErrNetwork
	case "remote_unavailable":
		return ErrRemoteUnavailable
	default:
		return nil
	}
}
