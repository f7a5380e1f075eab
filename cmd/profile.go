package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/config"
	"github.com/abdulraoufatia/atlasbridge/internal/profile"
)

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage run profiles (default adapter, policy, channels)",
	}
	cmd.AddCommand(profileListCmd(), profileShowCmd(), profileCreateCmd(), profileDeleteCmd(), profileSetDefaultCmd())
	return cmd
}

func openProfiles() (*profile.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, Misconfig(err)
	}
	return profile.NewStore(cfg.DataDir), nil
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openProfiles()
			if err != nil {
				return err
			}
			profiles, err := ps.List()
			if err != nil {
				return err
			}
			return emit(cmd, profiles, func() string {
				if len(profiles) == 0 {
					return "no profiles; create one with `atlasbridge profile create`"
				}
				var b strings.Builder
				for _, p := range profiles {
					mark := " "
					if p.Default {
						mark = "*"
					}
					fmt.Fprintf(&b, "%s %-20s adapter=%s policy=%s\n", mark, p.Name, orDash(p.Adapter), orDash(p.PolicyPath))
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openProfiles()
			if err != nil {
				return err
			}
			p, err := ps.Get(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, p, func() string {
				return fmt.Sprintf("name:     %s\nadapter:  %s\npolicy:   %s\nchannels: %s\ntimeout:  %ds\ndefault:  %v",
					p.Name, orDash(p.Adapter), orDash(p.PolicyPath), orDash(strings.Join(p.Channels, ",")), p.TimeoutSeconds, p.Default)
			})
		},
	}
}

func profileCreateCmd() *cobra.Command {
	var p profile.Profile
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a profile (interactive when no flags are given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openProfiles()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				p.Name = args[0]
			}
			if p.Name == "" {
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().Title("Profile name").Value(&p.Name),
					huh.NewInput().Title("Default adapter (blank = tool name)").Value(&p.Adapter),
					huh.NewInput().Title("Policy file path (blank = none)").Value(&p.PolicyPath),
					huh.NewConfirm().Title("Make this the default profile?").Value(&p.Default),
				))
				if err := form.Run(); err != nil {
					return err
				}
			}
			if err := ps.Create(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %q saved\n", p.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Adapter, "adapter", "", "default adapter")
	cmd.Flags().StringVar(&p.PolicyPath, "policy", "", "default policy file")
	cmd.Flags().StringSliceVar(&p.Channels, "channels", nil, "default channel set")
	cmd.Flags().IntVar(&p.TimeoutSeconds, "timeout", 0, "default prompt TTL override (seconds)")
	cmd.Flags().BoolVar(&p.Default, "default", false, "mark as the default profile")
	return cmd
}

func profileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openProfiles()
			if err != nil {
				return err
			}
			if err := ps.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %q deleted\n", args[0])
			return nil
		},
	}
}

func profileSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <name>",
		Short: "Mark a profile as the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openProfiles()
			if err != nil {
				return err
			}
			if err := ps.SetDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %q is now the default\n", args[0])
			return nil
		},
	}
}
