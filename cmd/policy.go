package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate, test, and migrate policy files",
	}
	cmd.AddCommand(policyValidateCmd(), policyTestCmd(), policyCoverageCmd(), policyMigrateCmd())
	return cmd
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy-file>",
		Short: "Parse and validate a policy, reporting rule overlaps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.LoadFile(args[0])
			if err != nil {
				return Misconfig(err)
			}
			overlaps := policy.FindOverlaps(pol)
			result := map[string]any{
				"name":     pol.Name,
				"version":  pol.Version,
				"rules":    len(pol.Rules),
				"hash":     pol.Hash,
				"overlaps": overlaps,
			}
			return emit(cmd, result, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "%s: valid (version %s, %d rules, hash %s)\n", args[0], pol.Version, len(pol.Rules), pol.Hash)
				for _, o := range overlaps {
					fmt.Fprintf(&b, "warning: rules %q and %q overlap: %s\n", o.EarlierRuleID, o.LaterRuleID, o.Note)
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func policyTestCmd() *cobra.Command {
	var (
		explain    bool
		debug      bool
		ev         policy.Event
		confidence string
	)
	cmd := &cobra.Command{
		Use:   "test <policy-file>",
		Short: "Evaluate a synthetic prompt event against a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.LoadFile(args[0])
			if err != nil {
				return Misconfig(err)
			}
			ev.Confidence = policy.Confidence(confidence)

			if debug {
				dec, traces := policy.Debug(pol, ev)
				result := map[string]any{"decision": dec, "rules": traces}
				return emit(cmd, result, func() string {
					var b strings.Builder
					fmt.Fprintf(&b, "decision: %s (rule %q)\n", dec.Action.Kind, dec.MatchedRuleID)
					for _, tr := range traces {
						mark := "miss"
						if tr.Matched {
							mark = "MATCH"
						}
						fmt.Fprintf(&b, "  [%s] %s\n", mark, tr.RuleID)
					}
					return strings.TrimRight(b.String(), "\n")
				})
			}
			dec := policy.Evaluate(pol, ev)
			if explain {
				dec = policy.Explain(pol, ev)
			}
			return emit(cmd, dec, func() string {
				return fmt.Sprintf("decision: %s (rule %q)\n%s", dec.Action.Kind, dec.MatchedRuleID, dec.Explanation)
			})
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "include the winning rule's explanation")
	cmd.Flags().BoolVar(&debug, "debug", false, "evaluate every rule without short-circuit")
	cmd.Flags().StringVar(&ev.ToolID, "tool", "", "tool id")
	cmd.Flags().StringVar(&ev.Repo, "repo", "", "session cwd")
	cmd.Flags().StringVar(&ev.PromptType, "prompt-type", "yes_no", "prompt type")
	cmd.Flags().StringVar(&confidence, "confidence", "high", "detector confidence")
	cmd.Flags().StringVar(&ev.Excerpt, "excerpt", "", "prompt excerpt")
	cmd.Flags().StringVar(&ev.SessionTag, "tag", "", "session tag")
	cmd.Flags().StringVar(&ev.SessionState, "session-state", "running", "session state")
	return cmd
}

// policyCoverageCmd replays recorded prompts from the database against a
// policy: which rules fired, which never did.
func policyCoverageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coverage <policy-file>",
		Short: "Cross-reference recorded prompts against a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.LoadFile(args[0])
			if err != nil {
				return Misconfig(err)
			}
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.SQL().QueryContext(cmd.Context(),
				`SELECT p.prompt_type, p.confidence, p.excerpt, s.tool, s.cwd, s.tag, s.status
				 FROM prompts p JOIN sessions s ON s.id = p.session_id`)
			if err != nil {
				return err
			}
			defer rows.Close()
			var corpus []policy.Event
			for rows.Next() {
				var ev policy.Event
				var conf string
				if err := rows.Scan(&ev.PromptType, &conf, &ev.Excerpt, &ev.ToolID, &ev.Repo, &ev.SessionTag, &ev.SessionState); err != nil {
					return err
				}
				ev.Confidence = policy.Confidence(conf)
				corpus = append(corpus, ev)
			}
			if err := rows.Err(); err != nil {
				return err
			}

			report := policy.Coverage(pol, corpus)
			return emit(cmd, report, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "%d recorded prompt(s); %d matched a rule (%.0f%%)\n",
					report.Total, report.Matched, report.MatchedRatio*100)
				for _, rc := range report.PerRule {
					fmt.Fprintf(&b, "  %-30s %d\n", rc.RuleID, rc.Hits)
				}
				if len(report.NeverFired) > 0 {
					fmt.Fprintf(&b, "never fired: %s\n", strings.Join(report.NeverFired, ", "))
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func policyMigrateCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "migrate <policy-file>",
		Short: "Migrate a v0 policy to v1, preserving formatting and comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			migrated, err := policy.MigrateV0ToV1(args[0])
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), string(migrated))
				return nil
			}
			if err := os.WriteFile(outPath, migrated, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the migrated policy here instead of stdout")
	return cmd
}
