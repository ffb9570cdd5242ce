package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"heart-rate-alerts/internal/alerting"
	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/reading"
)

// replaySink collects alerts instead of delivering them.
type replaySink struct {
	alerts []alerting.Alert
}

func (s *replaySink) Dispatch(o detector.Outcome) error {
	s.alerts = append(s.alerts, alerting.NewAlert(o))
	return nil
}

// ReplayResult summarises an offline run.
type ReplayResult struct {
	Readings int
	Skipped  int
	Alerts   []alerting.Alert
}

// Count returns the number of alerts of kind.
func (r ReplayResult) Count(kind detector.Kind) int {
	n := 0
	for _, a := range r.Alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Replay evaluates a reading file through all three evaluators without a
// broker or interval waits, then writes the requested outputs.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplayResult, error) {
	path := opts.SourcePath
	if path == "" {
		path = a.Config.Producer.SourcePath
	}
	source, err := reading.OpenCSV(path)
	if err != nil {
		return ReplayResult{}, err
	}
	defer source.Close()

	sink := &replaySink{}
	evaluators := make([]*detector.Evaluator, 0, len(detector.Kinds))
	for _, kind := range detector.Kinds {
		e, err := a.newEvaluator(kind, sink)
		if err != nil {
			return ReplayResult{}, err
		}
		evaluators = append(evaluators, e)
	}

	var (
		result   ReplayResult
		readings []reading.Reading
	)
	for {
		if err := ctx.Err(); err != nil {
			return ReplayResult{}, err
		}
		r, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, reading.ErrMalformed) {
			result.Skipped++
			a.Logger.Warn().Err(err).Msg("skipping malformed source record")
			continue
		}
		if err != nil {
			return ReplayResult{}, err
		}
		readings = append(readings, r)
		for _, e := range evaluators {
			e.OnReading(r)
		}
	}
	result.Readings = len(readings)
	result.Alerts = sink.alerts

	a.Logger.Info().
		Int("readings", result.Readings).
		Int("skipped", result.Skipped).
		Int("alerts", len(result.Alerts)).
		Msg("replay finished")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, result.Alerts); err != nil {
			return result, err
		}
	}
	if opts.PNGPath != "" {
		if err := writeReadingsPNG(opts.PNGPath, readings, result.Alerts); err != nil {
			return result, err
		}
	}

	a.printReplaySummary(result)
	return result, nil
}

func (a *App) printReplaySummary(result ReplayResult) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Readings\t%d\n", result.Readings)
	fmt.Fprintf(writer, "Skipped\t%d\n", result.Skipped)
	for _, kind := range detector.Kinds {
		fmt.Fprintf(writer, "%s alerts\t%d\n", kind, result.Count(kind))
	}
	writer.Flush()
}

func writeAlertsCSV(path string, alerts []alerting.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"kind", "triggered_at", "oldest_at", "oldest_bpm", "newest_bpm", "delta_bpm", "comparison", "threshold_bpm", "window_size"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		record := []string{
			string(alert.Kind),
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.OldestAt.UTC().Format(time.RFC3339),
			alert.OldestValue.String(),
			alert.NewestValue.String(),
			alert.Delta.String(),
			alert.Comparison,
			alert.Threshold.String(),
			strconv.Itoa(alert.WindowSize),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

var kindColors = map[detector.Kind]drawing.Color{
	detector.KindDrop:     chart.ColorBlue,
	detector.KindStall:    chart.ColorOrange,
	detector.KindElevated: chart.ColorRed,
}

func writeReadingsPNG(path string, readings []reading.Reading, alerts []alerting.Alert) error {
	if len(readings) < 2 {
		return errors.New("at least two readings are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(readings))
	bpm := make([]float64, len(readings))
	for i, r := range readings {
		x[i] = r.Timestamp
		bpm[i] = r.HeartRate.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Heart rate",
			XValues: x,
			YValues: bpm,
		},
	}
	for _, kind := range detector.Kinds {
		var ax []time.Time
		var ay []float64
		for _, alert := range alerts {
			if alert.Kind != kind {
				continue
			}
			ax = append(ax, alert.TriggeredAt)
			ay = append(ay, alert.NewestValue.InexactFloat64())
		}
		if len(ax) == 0 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name: fmt.Sprintf("%s alert", kind),
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    kindColors[kind],
			},
			XValues: ax,
			YValues: ay,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeMinuteValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Heart rate (bpm)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
