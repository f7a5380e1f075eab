package cmd

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/config"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control supervised sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd(), sessionsTraceCmd(),
		sessionsSignalCmd("pause", "Pause a running session (SIGSTOP)"),
		sessionsSignalCmd("resume", "Resume a paused session (SIGCONT)"),
		sessionsSignalCmd("stop", "Stop a session (SIGTERM)"))
	return cmd
}

func openDB() (*store.DB, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, Misconfig(err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			sessions, err := db.ListSessions(cmd.Context(), 50)
			if err != nil {
				return err
			}
			return emit(cmd, sessions, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "%-36s  %-10s  %-14s  %s\n", "ID", "TOOL", "STATUS", "STARTED")
				for _, s := range sessions {
					fmt.Fprintf(&b, "%-36s  %-10s  %-14s  %s\n",
						s.ID, s.Tool, s.Status, s.StartedAt.Local().Format(time.DateTime))
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			s, err := db.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("no such session: %s", args[0])
			}
			return emit(cmd, s, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "ID:       %s\n", s.ID)
				fmt.Fprintf(&b, "Tool:     %s\n", s.Tool)
				fmt.Fprintf(&b, "Argv:     %s\n", strings.Join(s.Argv, " "))
				fmt.Fprintf(&b, "Cwd:      %s\n", s.Cwd)
				fmt.Fprintf(&b, "Label:    %s\n", s.Label)
				fmt.Fprintf(&b, "PID:      %d\n", s.PID)
				fmt.Fprintf(&b, "Status:   %s\n", s.Status)
				fmt.Fprintf(&b, "Started:  %s", s.StartedAt.Local().Format(time.DateTime))
				if !s.EndedAt.IsZero() {
					fmt.Fprintf(&b, "\nEnded:    %s", s.EndedAt.Local().Format(time.DateTime))
				}
				return b.String()
			})
		},
	}
}

// sessionsTraceCmd replays the audit chain filtered to one session as a
// human-readable timeline.
func sessionsTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <session-id>",
		Short: "Replay a session's audit timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			events, err := audit.ListEvents(cmd.Context(), db.SQL(), args[0], 1000)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events for session %s", args[0])
			}
			return emit(cmd, events, func() string {
				var b strings.Builder
				for _, ev := range events {
					fmt.Fprintf(&b, "%s  %-26s", ev.CreatedAt.Local().Format("15:04:05.000"), ev.Type)
					if ev.PromptID != "" {
						fmt.Fprintf(&b, "  prompt=%s", ev.PromptID)
					}
					for k, v := range ev.Payload {
						fmt.Fprintf(&b, "  %s=%v", k, v)
					}
					b.WriteString("\n")
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

// sessionsSignalCmd covers pause/resume/stop, which act on the recorded
// child PID. Pause reports unavailability where SIGSTOP is unsupported
// rather than emulating it.
func sessionsSignalCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			s, err := db.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("no such session: %s", args[0])
			}
			if s.PID == 0 {
				return fmt.Errorf("session %s has no recorded PID", args[0])
			}

			var sig syscall.Signal
			var next string
			switch verb {
			case "pause":
				if s.Status != "running" {
					return fmt.Errorf("session is %s; pause is only valid while running", s.Status)
				}
				sig, next = syscall.SIGSTOP, "paused"
			case "resume":
				if s.Status != "paused" {
					return fmt.Errorf("session is %s; resume is only valid while paused", s.Status)
				}
				sig, next = syscall.SIGCONT, "running"
			case "stop":
				if isTerminalStatus(s.Status) {
					return fmt.Errorf("session is already %s", s.Status)
				}
				sig, next = syscall.SIGTERM, "canceled"
			}
			if err := syscall.Kill(s.PID, sig); err != nil {
				if verb == "pause" {
					return fmt.Errorf("pause unavailable on this platform: %w", err)
				}
				return fmt.Errorf("signal pid %d: %w", s.PID, err)
			}
			if err := db.UpdateSessionStatus(cmd.Context(), s.ID, next, verb == "stop"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s -> %s\n", s.ID, next)
			return nil
		},
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "crashed", "canceled":
		return true
	}
	return false
}
