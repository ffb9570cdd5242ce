package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"heart-rate-alerts/internal/app"
)

var (
	replaySource  string
	replayCSVPath string
	replayPNGPath string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Evaluate a reading file offline and export the alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replaySource == "" {
			return errors.New("--source must be provided")
		}
		_, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			SourcePath: replaySource,
			CSVPath:    replayCSVPath,
			PNGPath:    replayPNGPath,
		})
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySource, "source", "", "Reading CSV to evaluate")
	replayCmd.Flags().StringVar(&replayCSVPath, "csv", "", "Path to write triggered alerts as CSV")
	replayCmd.Flags().StringVar(&replayPNGPath, "png", "", "Path to write a heart-rate chart with alerts marked")
}
