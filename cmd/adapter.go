package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/adapter"
)

func adapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Inspect tool adapters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List adapters and their value-normalization tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := adapter.NewRegistry()
			type view struct {
				Name          string            `json:"name"`
				Description   string            `json:"description"`
				Normalization map[string]string `json:"normalization"`
			}
			var views []view
			for _, a := range registry.List() {
				views = append(views, view{
					Name:          a.Name(),
					Description:   a.Description(),
					Normalization: adapter.NormalizationTable(a),
				})
			}
			return emit(cmd, views, func() string {
				var b strings.Builder
				for _, v := range views {
					fmt.Fprintf(&b, "%s — %s\n", v.Name, v.Description)
					keys := make([]string, 0, len(v.Normalization))
					for k := range v.Normalization {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(&b, "    %-16s -> %s\n", k, v.Normalization[k])
					}
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	})
	return cmd
}
