package cli

import (
	"github.com/spf13/cobra"

	"heart-rate-alerts/internal/detector"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Trigger one alert of the given kind through the configured notifiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := detector.ParseKind(simulateKind)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), kind)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(detector.KindDrop), "Alert kind: drop, stall or elevated")
}
