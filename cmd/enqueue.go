package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

func newEnqueueCmd() *cobra.Command {
	var req scraper.EnqueueRequest

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a scraping task to the backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApplication(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.shutdown()

			task, err := app.manager.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		},
	}

	cmd.Flags().StringVar(&req.URL, "url", "", "website URL to scrape (required)")
	cmd.Flags().StringVar(&req.RestaurantName, "restaurant", "", "restaurant name")
	cmd.Flags().StringVar(&req.TaskType, "type", "comprehensive", "task type: text, images, or comprehensive")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "scheduling priority, higher runs first")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "retry budget for failed attempts")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
