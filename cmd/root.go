// Package cmd is the cobra command tree for the atlasbridge binary.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/abdulraoufatia/atlasbridge/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	jsonOut bool
	verbose bool
)

// misconfigError marks configuration failures so Execute can exit 2.
type misconfigError struct{ err error }

func (e *misconfigError) Error() string { return e.err.Error() }
func (e *misconfigError) Unwrap() error { return e.err }

// Misconfig wraps err so it maps to exit code 2.
func Misconfig(err error) error {
	if err == nil {
		return nil
	}
	return &misconfigError{err: err}
}

var rootCmd = &cobra.Command{
	Use:   "atlasbridge",
	Short: "AtlasBridge — supervisor for interactive command-line AI agents",
	Long: "AtlasBridge launches a terminal AI agent inside a PTY, detects when it is\n" +
		"blocked on input, routes the prompt to a human over Telegram or Slack, and\n" +
		"injects the reply back — with a policy engine, a hash-chained audit log,\n" +
		"and a read-only local dashboard.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.atlasbridge/config.toml or $ATLASBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(adapterCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(debugCmd())
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ATLASBRIDGE_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".atlasbridge", "config.toml")
}

// emit prints v as JSON when --json is set, otherwise the rendered text.
func emit(cmd *cobra.Command, v any, text func() string) error {
	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text())
	return nil
}

// Execute runs the root command. Exit codes: 0 success, 1 operation
// failed, 2 misconfiguration.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var mc *misconfigError
		if errors.As(err, &mc) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
