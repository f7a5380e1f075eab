package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/secrets"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// keysCmd manages provider API keys: values go to the encrypted keystore,
// the database only ever records a 6-char prefix and lifecycle metadata.
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
	}
	cmd.AddCommand(keysSetCmd(), keysListCmd(), keysDeleteCmd())
	return cmd
}

func keysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider> <key>",
		Short: "Store a provider API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			provider, key := args[0], args[1]

			ks := secrets.NewStore(cfg.DataDir)
			if err := ks.Set(provider, key); err != nil {
				return secrets.RedactError(err, key)
			}
			if err := db.UpsertProviderConfig(cmd.Context(), store.ProviderConfigMeta{
				Provider:  provider,
				KeyPrefix: secrets.Prefix(key),
				KeySource: "encrypted_file",
				CreatedAt: time.Now(),
			}); err != nil {
				return secrets.RedactError(err, key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s (prefix %s)\n", provider, secrets.Prefix(key))
			return nil
		},
	}
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key metadata (never the keys)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			metas, err := db.ListProviderConfigs(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cmd, metas, func() string {
				if len(metas) == 0 {
					return "no provider keys stored"
				}
				var b strings.Builder
				for _, m := range metas {
					fmt.Fprintf(&b, "%-16s prefix=%s… source=%s\n", m.Provider, m.KeyPrefix, m.KeySource)
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := secrets.NewStore(cfg.DataDir).Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted key for %s\n", args[0])
			return nil
		},
	}
}
