package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal — silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports the zero-config
// first-run experience: browsing the (empty) cache works before any backend
// is configured.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ResolvePath returns the effective config file path: CLI flag > environment
// variable > platform default.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	if env := os.Getenv("SOPSYNC_CONFIG"); env != "" {
		return env
	}

	return DefaultConfigPath()
}

// checkUnknownKeys rejects config keys that decoded into nothing.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}

	return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
}

// applyDefaults fills in values the file left empty.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath()
	}

	if cfg.Session.Driver == "" {
		cfg.Session.Driver = "file"
	}

	if cfg.Session.Path == "" {
		cfg.Session.Path = DefaultSessionPath()
	}
}
