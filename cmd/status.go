package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/config"
	"github.com/abdulraoufatia/atlasbridge/internal/policy"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := map[string]string{"version": Version}
			return emit(cmd, v, func() string { return "atlasbridge " + Version })
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor state at a glance",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListSessions(cmd.Context(), 200)
			if err != nil {
				return err
			}
			active := 0
			for _, s := range sessions {
				if !isTerminalStatus(s.Status) {
					active++
				}
			}
			version, _ := db.SchemaVersion()
			st := map[string]any{
				"active_sessions": active,
				"total_sessions":  len(sessions),
				"database":        cfg.DatabasePath(),
				"schema_version":  version,
			}
			return emit(cmd, st, func() string {
				return fmt.Sprintf("active sessions: %d\ntotal sessions:  %d\ndatabase:        %s (schema v%d)",
					active, len(sessions), cfg.DatabasePath(), version)
			})
		},
	}
}

// doctorCheck is one diagnostic result.
type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var checks []doctorCheck
			add := func(name string, ok bool, detail string) {
				checks = append(checks, doctorCheck{Name: name, OK: ok, Detail: detail})
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				add("config", false, err.Error())
			} else {
				add("config", true, cfgPath)
				if info, err := os.Stat(cfgPath); err == nil && info.Mode().Perm()&0o077 != 0 {
					add("config permissions", false, fmt.Sprintf("%s is %o; expected 0600", cfgPath, info.Mode().Perm()))
				} else {
					add("config permissions", true, "0600")
				}

				if db, err := store.Open(cfg.DatabasePath()); err != nil {
					add("database", false, err.Error())
				} else {
					version, _ := db.SchemaVersion()
					add("database", true, fmt.Sprintf("%s (schema v%d)", cfg.DatabasePath(), version))
					db.Close()
				}

				if cfg.Policy.Path != "" {
					if pol, err := policy.LoadFile(cfg.Policy.Path); err != nil {
						add("policy", false, err.Error())
					} else {
						add("policy", true, fmt.Sprintf("%s (%d rules, hash %s)", cfg.Policy.Path, len(pol.Rules), pol.Hash))
					}
				} else {
					add("policy", true, "none configured; everything routes to human")
				}
			}

			failed := 0
			for _, c := range checks {
				if !c.OK {
					failed++
				}
			}
			err = emit(cmd, checks, func() string {
				var b strings.Builder
				for _, c := range checks {
					mark := "ok "
					if !c.OK {
						mark = "FAIL"
					}
					fmt.Fprintf(&b, "[%s] %-22s %s\n", mark, c.Name, c.Detail)
				}
				return strings.TrimRight(b.String(), "\n")
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}
