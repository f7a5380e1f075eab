package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(dbInfoCmd(), dbMigrateCmd(), dbArchiveCmd(), dbVerifyCmd())
	return cmd
}

func dbInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database path, schema version, and row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := db.SchemaVersion()
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, table := range []string{"sessions", "prompts", "replies", "audit_events", "workspace_trust"} {
				var n int
				if err := db.SQL().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err == nil {
					counts[table] = n
				}
			}
			info := map[string]any{
				"path":           cfg.DatabasePath(),
				"schema_version": version,
				"rows":           counts,
			}
			return emit(cmd, info, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "path:    %s\nschema:  v%d\n", cfg.DatabasePath(), version)
				for table, n := range counts {
					fmt.Fprintf(&b, "%-16s %d\n", table, n)
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func dbMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open applies forward migrations at connect.
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := db.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema v%d\n", cfg.DatabasePath(), version)
			return nil
		},
	}
}

func dbArchiveCmd() *cobra.Command {
	var (
		dryRun    bool
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old audit events into rotating archive files",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			writer := audit.NewWriter(db)
			res, err := writer.Archive(cmd.Context(), time.Now().Add(-olderThan), dryRun)
			if err != nil {
				return err
			}
			return emit(cmd, res, func() string {
				if res.DryRun {
					return fmt.Sprintf("would archive %d event(s) to %s", res.Moved, res.ArchiveFile)
				}
				return fmt.Sprintf("archived %d event(s) to %s", res.Moved, res.ArchiveFile)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be archived without moving anything")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "archive events older than this")
	return cmd
}

func dbVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain across archives and the live table",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ok, problems := audit.VerifyAll(cmd.Context(), db)
			result := map[string]any{"ok": ok, "problems": problems}
			if err := emit(cmd, result, func() string {
				if ok {
					return "audit chain intact"
				}
				return "audit chain BROKEN:\n  " + strings.Join(problems, "\n  ")
			}); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("integrity check failed")
			}
			return nil
		},
	}
}
