package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/bundle"
)

func debugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Diagnostics",
	}
	var outPath string
	bundleCmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a tarball of redacted diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if outPath == "" {
				outPath = filepath.Join(".", fmt.Sprintf("atlasbridge-debug-%s.tar.gz",
					time.Now().Format("20060102-150405")))
			}
			if err := bundle.Write(cmd.Context(), outPath, bundle.Options{
				ConfigPath: resolveConfigPath(),
				TracePath:  cfg.TracePath(),
				DB:         db,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return nil
		},
	}
	bundleCmd.Flags().StringVarP(&outPath, "out", "o", "", "output path")
	cmd.AddCommand(bundleCmd)
	return cmd
}
