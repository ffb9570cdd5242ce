package reading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a record or message that cannot be turned into a Reading.
var ErrMalformed = errors.New("malformed reading")

// timestampLayouts are tried in order when parsing a reading timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
}

// Reading is a single heart-rate observation.
type Reading struct {
	Timestamp time.Time
	HeartRate decimal.Decimal
}

// New validates and builds a Reading from already-parsed values.
func New(ts time.Time, bpm decimal.Decimal) (Reading, error) {
	if ts.IsZero() {
		return Reading{}, fmt.Errorf("%w: zero timestamp", ErrMalformed)
	}
	if bpm.IsNegative() {
		return Reading{}, fmt.Errorf("%w: negative heart rate %s", ErrMalformed, bpm.String())
	}
	return Reading{Timestamp: ts, HeartRate: bpm}, nil
}

// Parse builds a Reading from its textual timestamp and heart-rate fields.
func Parse(rawTS, rawBPM string) (Reading, error) {
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return Reading{}, err
	}

	bpm, err := decimal.NewFromString(strings.TrimSpace(rawBPM))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: heart rate %q: %v", ErrMalformed, rawBPM, err)
	}

	return New(ts, bpm)
}

// ParseTimestamp accepts RFC3339 and the common spreadsheet date-time layouts.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformed)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrMalformed, raw)
}

// String renders the reading for logs.
func (r Reading) String() string {
	return fmt.Sprintf("%s %s bpm", r.Timestamp.Format(time.RFC3339), r.HeartRate.String())
}
