package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsmanual/sopsync/internal/config"
	"github.com/opsmanual/sopsync/internal/proxyd"
	"github.com/opsmanual/sopsync/internal/store"
)

// serveShutdownTimeout is how long in-flight requests get to drain.
const serveShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy service",
		Long: `Serve the thin-proxy REST surface (GET/POST /sops, GET/DELETE /sops/{id})
over the configured backend, using server-held credentials. The config file
is watched for changes and the backend hot-swapped on reload.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", ":8077", "listen address")
	cmd.Flags().Bool("watch-config", true, "reload config and hot-swap the backend on change")

	return cmd
}

// backendHolder rebuilds the backend adapter when configuration changes.
// The proxy service re-derives its handle through this on every request;
// caching the built adapter between reloads is a performance optimization,
// not a correctness requirement.
type backendHolder struct {
	logger *slog.Logger
	path   string

	mu sync.RWMutex
	st store.Store
}

func (b *backendHolder) Store() store.Store {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.st
}

func (b *backendHolder) rebuild(cfg *config.Config) {
	st, err := buildBackend(cfg, b.path, b.logger)
	if err != nil {
		b.logger.Warn("backend rebuild failed, serving unconfigured",
			slog.String("error", err.Error()))

		st = nil
	}

	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ActiveBackend() == config.BackendProxy {
		return fmt.Errorf("serve needs a storage backend of its own; [backend.proxy] would proxy to another proxy")
	}

	logger := buildLogger(cfg)

	holder := &backendHolder{logger: logger, path: cfgPath}
	holder.rebuild(cfg)

	server := proxyd.NewServer(holder.Store, logger)

	addr, _ := cmd.Flags().GetString("addr")
	watchConfig, _ := cmd.Flags().GetBool("watch-config")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watchConfig {
		cfgHolder := config.NewHolder(cfg, cfgPath)

		go func() {
			if watchErr := config.Watch(ctx, cfgHolder, logger, holder.rebuild); watchErr != nil {
				logger.Warn("config watcher stopped", slog.String("error", watchErr.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("proxy service listening", slog.String("addr", addr))

		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
