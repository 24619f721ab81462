package proxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmanual/sopsync/internal/store"
)

func TestRefineUpgradesKindFromPayload(t *testing.T) {
	// An unconfigured service answers 503, which HTTP classification can only
	// read as remote-unavailable; the payload kind carries the real cause.
	err := refine(&store.BackendError{
		Backend:    "proxy",
		Op:         "GET /sops",
		StatusCode: 503,
		Message:    `{"error": "proxyd: no backend configured", "kind": "not_configured"}`,
		Err:        store.ErrRemoteUnavailable,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotConfigured))
	assert.Contains(t, err.Error(), "no backend configured")
}

func TestRefineKeepsClassificationWithoutKind(t *testing.T) {
	original := &store.BackendError{
		Backend:    "proxy",
		Op:         "GET /sops",
		StatusCode: 502,
		Message:    "bad gateway",
		Err:        store.ErrNetwork,
	}

	err := refine(original)
	assert.True(t, errors.Is(err, store.ErrNetwork))
}

func TestRefinePassesThroughForeignErrors(t *testing.T) {
	original := errors.New("not a backend error")
	assert.Equal(t, original, refine(original))
}
