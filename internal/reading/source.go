package reading

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// Source yields readings in order. Next returns io.EOF when exhausted and an
// error wrapping ErrMalformed for a single bad record; callers may keep reading
// after a malformed record.
type Source interface {
	Next() (Reading, error)
}

// CSVSource reads "timestamp,heart_rate" records, skipping an optional header row.
type CSVSource struct {
	reader  *csv.Reader
	closer  io.Closer
	line    int
	started bool
}

// NewCSVSource wraps r as a reading source.
func NewCSVSource(r io.Reader) *CSVSource {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	reader.ReuseRecord = true
	return &CSVSource{reader: reader}
}

// OpenCSV opens a CSV reading file. Close releases the file.
func OpenCSV(path string) (*CSVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reading source: %w", err)
	}
	src := NewCSVSource(file)
	src.closer = file
	return src, nil
}

// Next returns the next reading in file order.
func (s *CSVSource) Next() (Reading, error) {
	for {
		record, err := s.reader.Read()
		s.line++
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Reading{}, io.EOF
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return Reading{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, s.line, err)
			}
			return Reading{}, fmt.Errorf("read reading source: %w", err)
		}

		first := !s.started
		s.started = true
		if first && isHeader(record) {
			continue
		}

		if len(record) != 2 {
			return Reading{}, fmt.Errorf("%w: line %d: expected 2 fields, got %d", ErrMalformed, s.line, len(record))
		}

		r, err := Parse(record[0], record[1])
		if err != nil {
			return Reading{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		return r, nil
	}
}

// Close releases the underlying file, if any.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// isHeader reports whether record is a column header: neither field parses.
func isHeader(record []string) bool {
	if len(record) < 2 {
		return false
	}
	if _, err := ParseTimestamp(record[0]); err == nil {
		return false
	}
	_, err := decimal.NewFromString(strings.TrimSpace(record[1]))
	return err != nil
}

// SliceSource replays a fixed set of readings.
type SliceSource struct {
	items []Reading
	pos   int
}

// NewSliceSource returns a source over items.
func NewSliceSource(items []Reading) *SliceSource {
	return &SliceSource{items: items}
}

// Next returns the next reading or io.EOF.
func (s *SliceSource) Next() (Reading, error) {
	if s.pos >= len(s.items) {
		return Reading{}, io.EOF
	}
	r := s.items[s.pos]
	s.pos++
	return r, nil
}

var (
	_ Source = (*CSVSource)(nil)
	_ Source = (*SliceSource)(nil)
)
