package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	holder := NewHolder(cfg, path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var reloads atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = Watch(ctx, holder, logger, func(*Config) {
			reloads.Add(1)
		})
	}()

	// Let the watcher establish itself before the write.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o600))

	require.Eventually(t, func() bool {
		return holder.Config().LogLevel == "debug"
	}, 5*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchKeepsLastGoodConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	holder := NewHolder(cfg, path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Watch(ctx, holder, logger, nil)
	}()

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\n"), 0o600)) // unterminated string

	// Give the debounce window plus slack to fire.
	time.Sleep(time.Second)

	assert.Equal(t, "info", holder.Config().LogLevel, "a broken file must not replace the active config")
}
