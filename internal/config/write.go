package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Write persists the config as TOML, atomically (temp file + rename).
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming config file: %w", err)
	}

	success = true

	return nil
}

// SaveDriveFolderID persists the auto-created folder id back into the config
// file so later runs reuse the folder instead of re-resolving it. Reads the
// file fresh so concurrent edits to other sections are not clobbered with
// stale in-memory state.
func SaveDriveFolderID(path, folderID string) error {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("reloading config for folder id write-back: %w", err)
	}

	if cfg.Backend.Drive == nil {
		return fmt.Errorf("config has no [backend.drive] section to update")
	}

	cfg.Backend.Drive.FolderID = folderID

	return Write(path, cfg)
}
