package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApplication(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.shutdown()

			stats, err := app.manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
