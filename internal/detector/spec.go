package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names one alert pattern.
type Kind string

const (
	KindDrop     Kind = "drop"
	KindStall    Kind = "stall"
	KindElevated Kind = "elevated"
)

// Kinds lists every alert kind in channel order.
var Kinds = []Kind{KindDrop, KindStall, KindElevated}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown alert kind %q (want drop, stall or elevated)", raw)
}

// Comparison selects how the oldest and newest readings of a full window are compared.
type Comparison int

const (
	// DecreaseByAtLeast fires when oldest - newest >= threshold.
	DecreaseByAtLeast Comparison = iota + 1
	// AbsChangeAtMost fires when |newest - oldest| <= threshold.
	AbsChangeAtMost
	// IncreaseByAtLeast fires when newest - oldest >= threshold.
	IncreaseByAtLeast
)

func (c Comparison) String() string {
	switch c {
	case DecreaseByAtLeast:
		return "decrease_by_at_least"
	case AbsChangeAtMost:
		return "abs_change_at_most"
	case IncreaseByAtLeast:
		return "increase_by_at_least"
	default:
		return fmt.Sprintf("comparison(%d)", int(c))
	}
}

// Delta is the change between oldest and newest, signed so that it is compared
// against the threshold directly.
func (c Comparison) Delta(oldest, newest decimal.Decimal) decimal.Decimal {
	switch c {
	case DecreaseByAtLeast:
		return oldest.Sub(newest)
	case AbsChangeAtMost:
		return newest.Sub(oldest).Abs()
	default:
		return newest.Sub(oldest)
	}
}

// Holds reports whether delta satisfies the comparison against threshold.
func (c Comparison) Holds(delta, threshold decimal.Decimal) bool {
	switch c {
	case DecreaseByAtLeast, IncreaseByAtLeast:
		return delta.GreaterThanOrEqual(threshold)
	case AbsChangeAtMost:
		return delta.LessThanOrEqual(threshold)
	default:
		return false
	}
}

// Spec is the static definition of one alert type.
type Spec struct {
	Kind       Kind
	WindowSize int
	Threshold  decimal.Decimal
	Comparison Comparison
	// Span is the time a full window covers at the reference 30 s cadence.
	Span    time.Duration
	Subject string
	Summary string
}

var specTable = []Spec{
	{
		Kind:       KindDrop,
		WindowSize: 5,
		Threshold:  decimal.NewFromInt(15),
		Comparison: DecreaseByAtLeast,
		Span:       150 * time.Second,
		Subject:    "HEART RATE DROP ALERT",
		Summary:    "Heart rate has decreased by 15 bpm or more in the last 2.5 minutes.",
	},
	{
		Kind:       KindStall,
		WindowSize: 20,
		Threshold:  decimal.NewFromInt(1),
		Comparison: AbsChangeAtMost,
		Span:       10 * time.Minute,
		Subject:    "HEART RATE STALL ALERT",
		Summary:    "Heart rate has changed by 1 bpm or less in the last 10 minutes.",
	},
	{
		Kind:       KindElevated,
		WindowSize: 4,
		Threshold:  decimal.NewFromInt(20),
		Comparison: IncreaseByAtLeast,
		Span:       2 * time.Minute,
		Subject:    "HEART RATE ELEVATED ALERT",
		Summary:    "Heart rate has increased by 20 bpm or more in the last 2 minutes.",
	},
}

// Specs returns the alert table in channel order.
func Specs() []Spec {
	out := make([]Spec, len(specTable))
	copy(out, specTable)
	return out
}

// SpecFor returns the table entry for kind.
func SpecFor(kind Kind) (Spec, error) {
	for _, s := range specTable {
		if s.Kind == kind {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("no alert spec for kind %q", kind)
}

// Title is the human-readable alert name, e.g. "Heart Rate Drop Alert".
func (s Spec) Title() string {
	name := string(s.Kind)
	if name == "" {
		return "Heart Rate Alert"
	}
	return "Heart Rate " + strings.ToUpper(name[:1]) + name[1:] + " Alert"
}
