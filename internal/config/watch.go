package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of filesystem events an editor save
// produces into one reload.
const debounceWindow = 250 * time.Millisecond

// Watch watches the Holder's config file and reloads it on change, calling
// onReload after each successful swap. Invalid config files are logged and
// skipped — the last good config stays active. Blocks until ctx is done.
//
// The watch is on the directory, not the file: editors and atomic writers
// replace the file by rename, which drops a watch placed on the inode.
func Watch(ctx context.Context, holder *Holder, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(holder.Path())
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.Info("watching config file for changes", slog.String("path", holder.Path()))

	var timer *time.Timer

	reloadCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(holder.Path()) {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: restart the timer on every event in the burst.
			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			reload(holder, logger, onReload)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// reload re-reads the config file and swaps it into the Holder.
func reload(holder *Holder, logger *slog.Logger, onReload func(*Config)) {
	cfg, err := LoadOrDefault(holder.Path())
	if err != nil {
		logger.Warn("config reload failed, keeping previous config",
			slog.String("error", err.Error()))

		return
	}

	holder.Update(cfg)
	logger.Info("config reloaded",
		slog.String("backend", string(cfg.ActiveBackend())))

	if onReload != nil {
		onReload(cfg)
	}
}
