package main

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to the folder-store backend",
		Long: `Sign in interactively via the browser (authorization code + PKCE).
The session is persisted so later commands within its validity window
skip interactive sign-in.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the saved session",
		Long: `Clear the saved session. The session is also revoked with the identity
provider when reachable; revocation failure does not block local clearing.`,
		Args: cobra.NoArgs,
		RunE: runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	manager, err := buildAuthManager(cfg, logger)
	if err != nil {
		return err
	}

	if err := manager.Login(cmd.Context(), openBrowser); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signed in.")

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	manager, err := buildAuthManager(cfg, logger)
	if err != nil {
		return err
	}

	if err := manager.Logout(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")

	return nil
}

// openBrowser launches the platform's default browser at the given URL.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return fmt.Errorf("unsupported platform %s: open the URL manually", runtime.GOOS)
	}
}
