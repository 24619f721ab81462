package httpx

import (
	"net/http"

	"github.com/opsmanual/sopsync/internal/store"
)

// ClassifyStatus maps a non-2xx HTTP status code to a store sentinel error.
// Version-token mismatches surface as 409 (file hosts) or 412 (If-Match
// stores); both are conflicts. 422 is included because some file hosts
// report a stale content hash as an unprocessable entity.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return store.ErrAuthFailure
	case http.StatusForbidden:
		return store.ErrPermissionDenied
	case http.StatusNotFound, http.StatusGone:
		return store.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		return store.ErrConflict
	case http.StatusServiceUnavailable:
		return store.ErrRemoteUnavailable
	default:
		return store.ErrNetwork
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
