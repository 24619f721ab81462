// Package auth owns the authentication session for the folder-store
// backend: interactive sign-in, session caching with expiry, silent refresh,
// and sign-out with best-effort revocation. Session persistence is an
// injected capability so the lifecycle logic is independent of the medium.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// File and directory permissions for on-disk sessions (owner-only).
const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// redisSessionTTL bounds how long a persisted session may sit unused in
// Redis. Refresh tokens outlive access tokens, so this is deliberately long.
const redisSessionTTL = 30 * 24 * time.Hour

// SessionStore persists the OAuth session between runs. Load returns
// (nil, nil) when no session exists; Clear of a missing session is not an
// error. Implementations never log token values.
type SessionStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Clear(ctx context.Context) error
}

// StoreType selects a SessionStore driver.
type StoreType string

const (
	StoreTypeFile  StoreType = "file"
	StoreTypeRedis StoreType = "redis"
)

// ErrInvalidStoreConfig reports a driver selection without its required options.
var ErrInvalidStoreConfig = errors.New("auth: invalid session store configuration")

type storeConfig struct {
	path        string
	redisClient *redis.Client
	redisKey    string
}

// StoreOption configures NewSessionStore.
type StoreOption func(*storeConfig)

// WithFilePath sets the session file path for the file driver.
func WithFilePath(path string) StoreOption {
	return func(c *storeConfig) { c.path = path }
}

// WithRedisClient sets the client for the redis driver.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisKey overrides the redis key (default "sopsync:session").
func WithRedisKey(key string) StoreOption {
	return func(c *storeConfig) { c.redisKey = key }
}

// NewSessionStore creates a SessionStore for the given driver type.
func NewSessionStore(t StoreType, opts ...StoreOption) (SessionStore, error) {
	cfg := &storeConfig{redisKey: "sopsync:session"}
	for _, opt := range opts {
		opt(cfg)
	}

	switch t {
	case StoreTypeFile:
		if cfg.path == "" {
			return nil, fmt.Errorf("%w: file driver requires a path", ErrInvalidStoreConfig)
		}

		return &fileStore{path: cfg.path}, nil

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis driver requires a client", ErrInvalidStoreConfig)
		}

		return &redisStore{client: cfg.redisClient, key: cfg.redisKey}, nil

	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidStoreConfig, t)
	}
}

// sessionFile is the on-disk format for the file driver.
type sessionFile struct {
	Token *oauth2.Token `json:"token"`
}

// fileStore persists the session as a 0600 JSON file, written atomically
// (temp file + rename) so a crash never leaves a torn session behind.
type fileStore struct {
	path string
}

func (s *fileStore) Load(context.Context) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "no session"
	}

	if err != nil {
		return nil, fmt.Errorf("auth: reading session %s: %w", s.path, err)
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("auth: decoding session %s: %w", s.path, err)
	}

	if sf.Token == nil {
		return nil, fmt.Errorf("auth: session %s missing token field (sign in again)", s.path)
	}

	return sf.Token, nil
}

func (s *fileStore) Save(_ context.Context, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(sessionFile{Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, dirPerms); mkErr != nil {
		return fmt.Errorf("auth: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("auth: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: writing session: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: syncing session: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: closing session file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("auth: renaming session file: %w", err)
	}

	success = true

	return nil
}

func (s *fileStore) Clear(context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("auth: removing session %s: %w", s.path, err)
	}

	return nil
}

// redisStore persists the session as one JSON value under a fixed key.
// Useful when several proxy replicas share a server-held session.
type redisStore struct {
	client *redis.Client
	key    string
}

func (s *redisStore) Load(ctx context.Context) (*oauth2.Token, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // sentinel for "no session"
	}

	if err != nil {
		return nil, fmt.Errorf("auth: loading session from redis: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(val), &tok); err != nil {
		return nil, fmt.Errorf("auth: decoding session from redis: %w", err)
	}

	return &tok, nil
}

func (s *redisStore) Save(ctx context.Context, tok *oauth2.Token) error {
	val, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("auth: encoding session: %w", err)
	}

	if err := s.client.Set(ctx, s.key, val, redisSessionTTL).Err(); err != nil {
		return fmt.Errorf("auth: saving session to redis: %w", err)
	}

	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("auth: clearing session from redis: %w", err)
	}

	return nil
}
