// Package config loads and validates the TOML configuration: the active
// backend (a tagged union — exactly one of githost/drive/proxy), session
// persistence, and local paths. Backend selection happens here once at
// startup and is injected into the orchestrator; there is no runtime
// global switch.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// BackendKind names the active backend variant.
type BackendKind string

const (
	BackendNone    BackendKind = ""
	BackendGitHost BackendKind = "githost"
	BackendDrive   BackendKind = "drive"
	BackendProxy   BackendKind = "proxy"
)

// Config is the full configuration file.
type Config struct {
	LogLevel  string        `toml:"log_level"`
	CachePath string        `toml:"cache_path"`
	Session   SessionConfig `toml:"session"`
	Backend   BackendConfig `toml:"backend"`
}

// SessionConfig selects where the auth session is persisted.
type SessionConfig struct {
	Driver        string `toml:"driver"` // "file" or "redis"
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// BackendConfig is the backend union. At most one member may be set.
type BackendConfig struct {
	GitHost *GitHostConfig `toml:"githost"`
	Drive   *DriveConfig   `toml:"drive"`
	Proxy   *ProxyConfig   `toml:"proxy"`
}

// GitHostConfig configures the version-controlled file host backend.
type GitHostConfig struct {
	Owner      string `toml:"owner"`
	Repo       string `toml:"repo"`
	Credential string `toml:"credential"`
	Branch     string `toml:"branch"`
}

// DriveConfig configures the cloud folder-store backend. FolderID may start
// empty; the adapter fills it in on first use and it is written back here.
type DriveConfig struct {
	ClientID string `toml:"client_id"`
	APIKey   string `toml:"api_key"`
	FolderID string `toml:"folder_id"`
}

// ProxyConfig configures the thin-proxy backend.
type ProxyConfig struct {
	BaseURL string `toml:"base_url"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		CachePath: DefaultCachePath(),
		Session: SessionConfig{
			Driver: "file",
			Path:   DefaultSessionPath(),
		},
	}
}

// ActiveBackend returns which backend variant is configured.
func (c *Config) ActiveBackend() BackendKind {
	switch {
	case c.Backend.GitHost != nil:
		return BackendGitHost
	case c.Backend.Drive != nil:
		return BackendDrive
	case c.Backend.Proxy != nil:
		return BackendProxy
	default:
		return BackendNone
	}
}

// Validate checks structural invariants. A config with no backend at all is
// valid — the orchestrator then serves cached reads only.
func Validate(c *Config) error {
	var errs []error

	count := 0
	if c.Backend.GitHost != nil {
		count++
	}

	if c.Backend.Drive != nil {
		count++
	}

	if c.Backend.Proxy != nil {
		count++
	}

	if count > 1 {
		errs = append(errs, errors.New("backend: at most one of [backend.githost], [backend.drive], [backend.proxy] may be set"))
	}

	if gh := c.Backend.GitHost; gh != nil {
		if gh.Owner == "" || gh.Repo == "" {
			errs = append(errs, errors.New("backend.githost: owner and repo are required"))
		}

		if gh.Credential == "" {
			errs = append(errs, errors.New("backend.githost: credential is required"))
		}
	}

	if d := c.Backend.Drive; d != nil && d.ClientID == "" {
		errs = append(errs, errors.New("backend.drive: client_id is required"))
	}

	if p := c.Backend.Proxy; p != nil && !strings.HasPrefix(p.BaseURL, "http") {
		errs = append(errs, fmt.Errorf("backend.proxy: base_url %q must be an http(s) URL", p.BaseURL))
	}

	switch c.Session.Driver {
	case "", "file":
		// path is defaulted in DefaultConfig
	case "redis":
		if c.Session.RedisAddr == "" {
			errs = append(errs, errors.New("session: redis driver requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("session: unknown driver %q (want file or redis)", c.Session.Driver))
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}
