package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"heart-rate-alerts/internal/app"
)

var (
	showLimit      int
	pruneOlderThan time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently recorded alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete recorded alerts older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), pruneOlderThan)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window")
}
