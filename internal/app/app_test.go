package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"heart-rate-alerts/internal/alerting"
	"heart-rate-alerts/internal/config"
	"heart-rate-alerts/internal/detector"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Broker.Driver = config.DriverMemory
	cfg.Alerting.QueueSize = 4
	cfg.Alerting.NotifyTimeout = time.Second
	cfg.Alerting.Channels = []string{config.ChannelLog}
	var out bytes.Buffer
	return &App{Config: cfg, Logger: zerolog.Nop(), Out: &out}, &out
}

// A drop of 16 bpm over five readings followed by a flat stretch long
// enough to fill the stall window.
const replayCSV = `timestamp,heart_rate
2024-06-10 08:00:00,100
2024-06-10 08:00:30,98
2024-06-10 08:01:00,95
2024-06-10 08:01:30,90
2024-06-10 08:02:00,84
bad,row
`

func writeReplaySource(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(replayCSV)
	start := time.Date(2024, 6, 10, 8, 2, 30, 0, time.UTC)
	for i := 0; i < 20; i++ {
		b.WriteString(start.Add(time.Duration(i) * 30 * time.Second).Format("2006-01-02 15:04:05"))
		b.WriteString(",84\n")
	}
	path := filepath.Join(t.TempDir(), "readings.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReplayWritesAlerts(t *testing.T) {
	a, out := testApp(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "alerts.csv")
	pngPath := filepath.Join(dir, "out", "heart-rate.png")

	result, err := a.Replay(context.Background(), ReplayOptions{
		SourcePath: writeReplaySource(t),
		CSVPath:    csvPath,
		PNGPath:    pngPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Readings != 25 || result.Skipped != 1 {
		t.Fatalf("readings = %d skipped = %d", result.Readings, result.Skipped)
	}
	if result.Count(detector.KindDrop) == 0 {
		t.Fatal("expected a drop alert")
	}
	if result.Count(detector.KindElevated) != 0 {
		t.Fatal("no elevated alert expected")
	}
	if result.Count(detector.KindStall) == 0 {
		t.Fatal("expected a stall alert for the flat stretch")
	}

	first := result.Alerts[0]
	if first.Kind != detector.KindDrop || !first.Delta.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("unexpected first alert: %+v", first)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != len(result.Alerts)+1 {
		t.Fatalf("csv rows = %d, want header + %d", len(rows), len(result.Alerts))
	}
	if rows[1][0] != "drop" || rows[1][1] != "2024-06-10T08:02:00Z" {
		t.Fatalf("unexpected first row %v", rows[1])
	}

	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
	if !strings.Contains(out.String(), "drop alerts") {
		t.Fatalf("summary missing: %q", out.String())
	}
}

func TestReplayMissingSource(t *testing.T) {
	a, _ := testApp(t)
	if _, err := a.Replay(context.Background(), ReplayOptions{SourcePath: filepath.Join(t.TempDir(), "nope.csv")}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestSimulatedReadingsTrigger(t *testing.T) {
	for _, spec := range detector.Specs() {
		readings := simulatedReadings(spec, time.Now().UTC())
		if len(readings) != spec.WindowSize {
			t.Fatalf("%s: %d readings, want %d", spec.Kind, len(readings), spec.WindowSize)
		}
		first, last := readings[0], readings[len(readings)-1]
		if !last.Timestamp.After(first.Timestamp) {
			t.Fatalf("%s: readings not in time order", spec.Kind)
		}
		delta := spec.Comparison.Delta(first.HeartRate, last.HeartRate)
		if !spec.Comparison.Holds(delta, spec.Threshold) {
			t.Fatalf("%s: canned sequence delta %s does not trigger", spec.Kind, delta)
		}
	}
}

func TestSimulateAlertDelivers(t *testing.T) {
	a, _ := testApp(t)
	for _, kind := range detector.Kinds {
		if err := a.SimulateAlert(context.Background(), kind); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
	}
}

func TestNewNotifierMatchesChannelNamesCaseInsensitively(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Alerting.Channels = []string{"LOG"}
	var logs lockedBuffer
	a.Logger = zerolog.New(&logs)
	n, err := a.newNotifier()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(*alerting.LogNotifier); !ok {
		t.Fatalf("notifier = %T, want *alerting.LogNotifier", n)
	}
	if strings.Contains(logs.String(), "no alert channel configured") {
		t.Fatalf("log channel was not recognised: %s", logs.String())
	}
}

func TestNewNotifierPrefersOverride(t *testing.T) {
	a, _ := testApp(t)
	recorder := newRecordingNotifier()
	a.Notifier = recorder
	n, err := a.newNotifier()
	if err != nil {
		t.Fatal(err)
	}
	if n != alerting.Notifier(recorder) {
		t.Fatalf("notifier = %T, want the override", n)
	}
}

func TestNewNotifierSkipsDisabledChannels(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Alerting.Channels = []string{config.ChannelEmail, config.ChannelTelegram}
	n, err := a.newNotifier()
	if err != nil {
		t.Fatal(err)
	}
	if n == nil {
		t.Fatal("expected a fallback notifier")
	}
}

func TestStandaloneCommandsRequireKafka(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Produce(context.Background(), ProduceOptions{}); err == nil || !strings.Contains(err.Error(), "run-all") {
		t.Fatalf("expected driver error, got %v", err)
	}
	if err := a.Consume(context.Background(), detector.KindDrop); err == nil {
		t.Fatal("expected driver error for consume")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
	got    chan alerting.Alert
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{got: make(chan alerting.Alert, 64)}
}

func (r *recordingNotifier) Notify(_ context.Context, alert alerting.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	select {
	case r.got <- alert:
	default:
	}
	return nil
}

func (r *recordingNotifier) snapshot() []alerting.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Alert(nil), r.alerts...)
}

func TestRunAllInMemoryDeliversAlerts(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Broker.MemoryBuffer = 64
	a.Config.Producer.SourcePath = writeReplaySource(t)
	a.Config.Producer.Interval = time.Millisecond
	a.Config.Broker.Topics = config.TopicsConfig{Drop: "drop", Stall: "stall", Elevated: "elevated"}
	recorder := newRecordingNotifier()
	a.Notifier = recorder

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.RunAll(ctx, ProduceOptions{}) }()

	timeout := time.After(5 * time.Second)
	var drop alerting.Alert
	for drop.Kind != detector.KindDrop {
		select {
		case alert := <-recorder.got:
			drop = alert
		case err := <-done:
			t.Fatalf("run-all returned before a drop alert was delivered: %v", err)
		case <-timeout:
			t.Fatalf("no drop alert delivered; got %d alerts", len(recorder.snapshot()))
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run-all should stop cleanly on cancellation, got %v", err)
	}

	if !drop.Delta.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("drop delta = %s, want 16", drop.Delta)
	}
	if want := time.Date(2024, 6, 10, 8, 2, 0, 0, time.UTC); !drop.TriggeredAt.Equal(want) {
		t.Fatalf("drop triggered at %s, want %s", drop.TriggeredAt, want)
	}
	for _, alert := range recorder.snapshot() {
		if alert.Kind == detector.KindElevated {
			t.Fatalf("unexpected elevated alert: %+v", alert)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSuperviseLogsAppIdentity(t *testing.T) {
	a, _ := testApp(t)
	a.Config.App = config.AppConfig{Name: "hrwatch", Environment: "staging"}
	var logs lockedBuffer
	a.Logger = zerolog.New(&logs)

	err := a.supervise(context.Background(), nil, runner{name: "noop", run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	out := logs.String()
	if !strings.Contains(out, `"app":"hrwatch"`) || !strings.Contains(out, `"environment":"staging"`) {
		t.Fatalf("started line missing app identity: %s", out)
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Migrate(context.Background(), MigrateUp); err == nil {
		t.Fatal("expected error without dsn")
	}
}
