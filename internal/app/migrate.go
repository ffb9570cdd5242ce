package app

import (
	"context"
	"fmt"

	"heart-rate-alerts/internal/storage"
)

// Migration actions accepted by Migrate.
const (
	MigrateUp     = "up"
	MigrateDown   = "down"
	MigrateStatus = "status"
)

// Migrate applies, rolls back, or reports the alert audit schema.
func (a *App) Migrate(ctx context.Context, action string) error {
	migrator, err := storage.NewMigrator(a.Config.Database.DSN)
	if err != nil {
		return err
	}

	switch action {
	case MigrateUp:
		if err := migrator.Up(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("migrations applied")
	case MigrateDown:
		if err := migrator.Down(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("latest migration rolled back")
	case MigrateStatus:
		return migrator.Status(ctx)
	default:
		return fmt.Errorf("unknown migrate action %q (want %s, %s or %s)", action, MigrateUp, MigrateStatus, MigrateDown)
	}
	return nil
}
