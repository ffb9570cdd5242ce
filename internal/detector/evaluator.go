package detector

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"heart-rate-alerts/internal/reading"
	"heart-rate-alerts/internal/window"
)

// Outcome describes a triggering evaluation. Readings are copies; the
// evaluator's window is not referenced.
type Outcome struct {
	Spec      Spec
	Oldest    reading.Reading
	Newest    reading.Reading
	Delta     decimal.Decimal
	WindowLen int
}

// Sink receives triggering outcomes. Dispatch must return promptly; it is
// called on the evaluator's receive path.
type Sink interface {
	Dispatch(Outcome) error
}

// Evaluator owns one window and decides after every insertion whether its
// spec's condition holds. It is driven by a single goroutine.
type Evaluator struct {
	spec   Spec
	window *window.Window[reading.Reading]
	sink   Sink
	logger zerolog.Logger
}

// NewEvaluator builds an evaluator with an empty window sized by spec.
func NewEvaluator(spec Spec, sink Sink, logger zerolog.Logger) (*Evaluator, error) {
	w, err := window.New[reading.Reading](spec.WindowSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		spec:   spec,
		window: w,
		sink:   sink,
		logger: logger.With().Str("component", "evaluator").Str("kind", string(spec.Kind)).Logger(),
	}, nil
}

// OnReading inserts r and evaluates the full window. When the condition holds
// the outcome is handed to the sink exactly once and also returned.
func (e *Evaluator) OnReading(r reading.Reading) (Outcome, bool) {
	e.window.Push(r)

	// A partial window does not yet cover the span and never fires.
	if !e.window.Full() {
		return Outcome{}, false
	}

	oldest, _ := e.window.Oldest()
	newest, _ := e.window.Newest()
	delta := e.spec.Comparison.Delta(oldest.HeartRate, newest.HeartRate)
	if !e.spec.Comparison.Holds(delta, e.spec.Threshold) {
		return Outcome{}, false
	}

	out := Outcome{
		Spec:      e.spec,
		Oldest:    oldest,
		Newest:    newest,
		Delta:     delta,
		WindowLen: e.window.Len(),
	}

	e.logger.Warn().
		Str("oldest_bpm", oldest.HeartRate.String()).
		Str("newest_bpm", newest.HeartRate.String()).
		Str("delta_bpm", delta.String()).
		Time("reading_ts", newest.Timestamp).
		Msg(e.spec.Subject)

	if e.sink != nil {
		if err := e.sink.Dispatch(out); err != nil {
			e.logger.Error().Err(err).Msg("alert dispatch rejected")
		}
	}
	return out, true
}

// Spec returns the evaluator's alert definition.
func (e *Evaluator) Spec() Spec { return e.spec }

// Len reports how many readings the window currently holds.
func (e *Evaluator) Len() int { return e.window.Len() }

// Snapshot copies the window contents, oldest first.
func (e *Evaluator) Snapshot() []reading.Reading { return e.window.Snapshot() }
