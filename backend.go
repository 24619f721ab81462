package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/opsmanual/sopsync/internal/auth"
	"github.com/opsmanual/sopsync/internal/cache"
	"github.com/opsmanual/sopsync/internal/config"
	"github.com/opsmanual/sopsync/internal/drive"
	"github.com/opsmanual/sopsync/internal/githost"
	"github.com/opsmanual/sopsync/internal/orchestrator"
	"github.com/opsmanual/sopsync/internal/proxy"
	"github.com/opsmanual/sopsync/internal/store"
)

// buildSessionStore creates the auth session persistence from config.
func buildSessionStore(cfg *config.Config) (auth.SessionStore, error) {
	switch cfg.Session.Driver {
	case "", "file":
		return auth.NewSessionStore(auth.StoreTypeFile, auth.WithFilePath(cfg.Session.Path))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})

		return auth.NewSessionStore(auth.StoreTypeRedis, auth.WithRedisClient(client))
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Session.Driver)
	}
}

// buildAuthManager creates the session lifecycle manager for the
// folder-store backend. Errors when no [backend.drive] section exists;
// only that backend authenticates interactively.
func buildAuthManager(cfg *config.Config, logger *slog.Logger) (*auth.Manager, error) {
	if cfg.Backend.Drive == nil {
		return nil, fmt.Errorf("no [backend.drive] configured; sign-in applies to the drive backend only")
	}

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	return auth.NewManager(cfg.Backend.Drive.ClientID, sessions, logger,
		auth.WithHTTPClient(defaultHTTPClient())), nil
}

// buildBackend creates the active backend adapter from config. Returns nil
// when no backend is configured; the orchestrator then serves cached reads.
func buildBackend(cfg *config.Config, cfgPath string, logger *slog.Logger) (store.Store, error) {
	switch cfg.ActiveBackend() {
	case config.BackendGitHost:
		gh := cfg.Backend.GitHost

		return githost.New(githost.Config{
			Owner:      gh.Owner,
			Repo:       gh.Repo,
			Credential: gh.Credential,
			Branch:     gh.Branch,
		}, defaultHTTPClient(), logger), nil

	case config.BackendDrive:
		manager, err := buildAuthManager(cfg, logger)
		if err != nil {
			return nil, err
		}

		return drive.New(drive.Config{
			FolderID: cfg.Backend.Drive.FolderID,
			APIKey:   cfg.Backend.Drive.APIKey,
			PersistFolderID: func(id string) error {
				return config.SaveDriveFolderID(cfgPath, id)
			},
		}, defaultHTTPClient(), manager, logger), nil

	case config.BackendProxy:
		return proxy.New(proxy.Config{
			BaseURL: cfg.Backend.Proxy.BaseURL,
		}, defaultHTTPClient(), logger), nil

	default:
		return nil, nil
	}
}

// buildCache opens the durable snapshot store. An empty cache path falls
// back to a process-local snapshot.
func buildCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Snapshot, func(), error) {
	if cfg.CachePath == "" {
		return cache.NewMemory(), func() {}, nil
	}

	db, err := cache.OpenSQLite(ctx, cfg.CachePath, logger)
	if err != nil {
		return nil, nil, err
	}

	return db, func() { _ = db.Close() }, nil
}

// buildOrchestrator wires config, backend, and cache into the
// application-facing entry point. The returned cleanup must be called when
// the command finishes.
func buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, *slog.Logger, func(), error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := buildLogger(cfg)

	backend, err := buildBackend(cfg, cfgPath, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	snapshot, cleanup, err := buildCache(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return orchestrator.New(backend, snapshot, logger), logger, cleanup, nil
}
