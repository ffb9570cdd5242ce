package cli

import (
	"github.com/spf13/cobra"

	"heart-rate-alerts/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|status|down",
	Short:     "Manage the alert audit schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.MigrateUp, app.MigrateStatus, app.MigrateDown},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), args[0])
	},
}
