package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"heart-rate-alerts/internal/detector"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "app:\n  name: test\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Producer.Interval != 30*time.Second {
		t.Fatalf("interval = %s, want 30s", cfg.Producer.Interval)
	}
	if cfg.Broker.Driver != DriverKafka {
		t.Fatalf("driver = %q", cfg.Broker.Driver)
	}
	want := map[detector.Kind]string{
		detector.KindDrop:     "02-heart-rate-drop",
		detector.KindStall:    "03-heart-rate-stall",
		detector.KindElevated: "04-heart-rate-elevated",
	}
	for kind, topic := range want {
		if got := cfg.TopicFor(kind); got != topic {
			t.Fatalf("TopicFor(%s) = %q, want %q", kind, got, topic)
		}
	}
	if cfg.Path() != path {
		t.Fatalf("Path() = %q", cfg.Path())
	}
	if !cfg.ChannelEnabled(ChannelLog) || cfg.ChannelEnabled(ChannelEmail) {
		t.Fatalf("unexpected default channels %v", cfg.Alerting.Channels)
	}
	if cfg.Producer.AlignToStart {
		t.Fatal("align_to_start should default to false")
	}
	if cfg.Broker.FetchTimeout != 30*time.Second {
		t.Fatalf("fetch timeout = %s, want 30s", cfg.Broker.FetchTimeout)
	}
	if cfg.App.Name != "hrwatch" || cfg.App.Environment != "development" {
		t.Fatalf("app = %+v", cfg.App)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
broker:
  driver: memory
producer:
  interval: 5s
  align_to_start: true
  publish_monitor: true
alerting:
  channels: [log, telegram]
  telegram:
    enabled: true
    bot_token: token
    chat_id: "42"
`)
	t.Setenv("HRWATCH_ALERTING_QUEUE_SIZE", "8")
	t.Setenv("HRWATCH_BROKER_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Producer.Interval != 5*time.Second {
		t.Fatalf("interval = %s", cfg.Producer.Interval)
	}
	if !cfg.Producer.AlignToStart {
		t.Fatal("align_to_start should be read from the file")
	}
	if cfg.Alerting.QueueSize != 8 {
		t.Fatalf("queue size = %d, want env override 8", cfg.Alerting.QueueSize)
	}
	if strings.Join(cfg.Broker.Brokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("brokers = %v", cfg.Broker.Brokers)
	}
	topics := cfg.ProducerTopics()
	if len(topics) != 4 || topics[3] != "01-heart-rate-monitor" {
		t.Fatalf("producer topics = %v", topics)
	}
	if !cfg.ChannelEnabled(ChannelTelegram) {
		t.Fatal("telegram channel should be enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "bad driver", body: "broker:\n  driver: nats\n", want: "broker.driver"},
		{name: "zero interval", body: "producer:\n  interval: 0s\n", want: "producer.interval"},
		{name: "zero queue", body: "alerting:\n  queue_size: 0\n", want: "alerting.queue_size"},
		{name: "unknown channel", body: "alerting:\n  channels: [pager]\n", want: "unknown channel"},
		{name: "email without host", body: "alerting:\n  email:\n    enabled: true\n    from: a@b.c\n", want: "alerting.email.host"},
		{name: "telegram without token", body: "alerting:\n  telegram:\n    enabled: true\n", want: "bot_token"},
		{name: "bad log level", body: "logging:\n  level: loud\n", want: "logging.level"},
		{name: "empty topic", body: "broker:\n  topics:\n    stall: \"\"\n", want: "broker.topics.stall"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "logging:\n  level: debug\n")

	timeout := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Logging.Level == "debug" {
				cancel()
				if err := <-done; err != nil {
					t.Fatal(err)
				}
				return
			}
		case <-timeout:
			t.Fatal("no reload observed")
		}
	}
}
