package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsmanual/sopsync/internal/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active backend, auth state, and cache snapshot age",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "config:  %s\n", cfgPath)

	kind := cfg.ActiveBackend()
	if kind == config.BackendNone {
		fmt.Fprintln(out, "backend: none (cached reads only)")
	} else {
		fmt.Fprintf(out, "backend: %s\n", kind)
	}

	if kind == config.BackendDrive {
		manager, mgrErr := buildAuthManager(cfg, logger)
		if mgrErr != nil {
			return mgrErr
		}

		expiry := manager.SessionExpiry(cmd.Context())
		switch {
		case expiry.IsZero():
			fmt.Fprintln(out, "auth:    not signed in")
		case expiry.Before(time.Now()):
			fmt.Fprintf(out, "auth:    session expired %s\n", expiry.Format(time.RFC3339))
		default:
			fmt.Fprintf(out, "auth:    signed in, session valid until %s\n", expiry.Format(time.RFC3339))
		}
	}

	orch, _, cleanup, err := buildOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	refreshedAt, err := orch.SnapshotAge(cmd.Context())
	if err != nil {
		return err
	}

	if refreshedAt.IsZero() {
		fmt.Fprintln(out, "cache:   no snapshot yet")
	} else {
		fmt.Fprintf(out, "cache:   snapshot from %s (%s ago)\n",
			refreshedAt.Format(time.RFC3339),
			time.Since(refreshedAt).Round(time.Second))
	}

	return nil
}
