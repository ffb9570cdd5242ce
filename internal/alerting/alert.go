package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"heart-rate-alerts/internal/detector"
)

// Alert is the record handed to notifiers. Values are copied from the window
// at trigger time.
type Alert struct {
	ID          string
	Kind        detector.Kind
	Title       string
	Subject     string
	TriggeredAt time.Time
	OldestAt    time.Time
	OldestValue decimal.Decimal
	NewestValue decimal.Decimal
	Delta       decimal.Decimal
	Threshold   decimal.Decimal
	Comparison  string
	WindowSize  int
	Message     string
}

// NewAlert builds the alert for a triggering outcome. TriggeredAt is the
// timestamp of the newest reading in the window.
func NewAlert(o detector.Outcome) Alert {
	a := Alert{
		ID:          uuid.NewString(),
		Kind:        o.Spec.Kind,
		Title:       o.Spec.Title(),
		Subject:     o.Spec.Subject,
		TriggeredAt: o.Newest.Timestamp,
		OldestAt:    o.Oldest.Timestamp,
		OldestValue: o.Oldest.HeartRate,
		NewestValue: o.Newest.HeartRate,
		Delta:       o.Delta,
		Threshold:   o.Spec.Threshold,
		Comparison:  o.Spec.Comparison.String(),
		WindowSize:  o.WindowLen,
	}
	a.Message = renderMessage(a, o.Spec.Summary)
	return a
}

func renderMessage(a Alert, summary string) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s: %s\n", a.Subject, summary))
	builder.WriteString(fmt.Sprintf("Kind: %s\n", a.Kind))
	builder.WriteString(fmt.Sprintf("Triggered at: %s\n", a.TriggeredAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Oldest: %s bpm at %s\n", a.OldestValue.String(), a.OldestAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Newest: %s bpm\n", a.NewestValue.String()))
	builder.WriteString(fmt.Sprintf("Change: %s bpm (%s %s over %d readings)\n", a.Delta.String(), a.Comparison, a.Threshold.String(), a.WindowSize))
	return builder.String()
}
