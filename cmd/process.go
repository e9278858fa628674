package cmd

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

func newProcessCmd() *cobra.Command {
	var (
		maxTasks int
		loop     bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain pending scraping tasks from the backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApplication(ctx, true)
			if err != nil {
				return err
			}
			defer app.shutdown()

			total := scraper.BatchResult{}
			for {
				result, err := app.manager.ProcessBacklog(ctx, maxTasks)
				if err != nil {
					return err
				}
				total.Processed += result.Processed
				total.Succeeded += result.Succeeded
				total.Failed += result.Failed
				if !loop || result.Processed == 0 || ctx.Err() != nil {
					break
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(total)
		},
	}

	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "cap tasks per pass, 0 for the configured batch size")
	cmd.Flags().BoolVar(&loop, "drain", false, "keep processing until the backlog is empty")
	return cmd
}
