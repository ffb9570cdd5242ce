package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"heart-rate-alerts/internal/detector"
)

// Show prints recently recorded alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tKind\tOldest\tNewest\tChange\tDelivered\tError")

	for _, alert := range alerts {
		errMsg := ""
		if alert.DeliveryError != nil {
			errMsg = sanitizeInline(*alert.DeliveryError)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.Kind,
			formatDecimal(alert.OldestBPM, 1),
			formatDecimal(alert.NewestBPM, 1),
			formatDecimal(alert.DeltaBPM, 1),
			alert.Delivered,
			errMsg,
		)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	totals := make([]string, 0, len(detector.Kinds))
	for _, kind := range detector.Kinds {
		n, err := store.CountAlerts(ctx, string(kind))
		if err != nil {
			return err
		}
		totals = append(totals, fmt.Sprintf("%s=%d", kind, n))
	}
	fmt.Fprintf(a.Out, "\ntotal alerts: %s\n", strings.Join(totals, " "))
	return nil
}

// Prune deletes alert records recorded before now minus olderThan.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.New("retention must be greater than zero")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot prune alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("alerts pruned")
	fmt.Fprintf(a.Out, "deleted %d alerts recorded before %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
