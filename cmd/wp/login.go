package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/calloway/waypoint/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API token for the configured account",
		Long: `Prompts for a bearer token (issued by the trip service) and writes it
to the token file named in the config. The token is read on every
request, so re-running login takes effect immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	token, err := readToken(cmd)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("login: token is empty")
	}

	dir := filepath.Dir(cfg.Server.TokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("login: create %s: %w", dir, err)
	}
	if err := os.WriteFile(cfg.Server.TokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("login: write token: %w", err)
	}

	fmt.Fprintf(out, "Token stored for account %q in %s\n", cfg.Account, cfg.Server.TokenFile)
	return nil
}

// readToken prompts without echo on a real terminal, and falls back to
// a plain line read when stdin is piped (scripts, tests).
func readToken(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, "API token: ")

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("login: read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("login: read token: %w", err)
		}
		return "", fmt.Errorf("login: no token provided")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
