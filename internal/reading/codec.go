package reading

import (
	"fmt"
	"strings"
	"time"
)

// Encode renders a reading as the compact channel record "<timestamp>, <heart_rate>".
func Encode(r Reading) []byte {
	return []byte(r.Timestamp.Format(time.RFC3339Nano) + ", " + r.HeartRate.String())
}

// Decode parses a channel record produced by Encode. Records written by other
// producers are accepted as long as they carry the same two comma-separated fields.
func Decode(body []byte) (Reading, error) {
	raw := string(body)
	idx := strings.LastIndex(raw, ",")
	if idx < 0 {
		return Reading{}, fmt.Errorf("%w: expected \"timestamp, heart_rate\", got %q", ErrMalformed, raw)
	}
	return Parse(raw[:idx], raw[idx+1:])
}
