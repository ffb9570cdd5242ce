package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"heart-rate-alerts/internal/alerting"
	"heart-rate-alerts/internal/broker"
	"heart-rate-alerts/internal/config"
	"heart-rate-alerts/internal/detector"
	"heart-rate-alerts/internal/logging"
	"heart-rate-alerts/internal/metrics"
	"heart-rate-alerts/internal/producer"
	"heart-rate-alerts/internal/reading"
	"heart-rate-alerts/internal/scheduler"
	"heart-rate-alerts/internal/service"
	"heart-rate-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// Notifier, when set, replaces the notifiers built from alerting.channels.
	Notifier alerting.Notifier
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// ProduceOptions override producer settings from the command line.
type ProduceOptions struct {
	SourcePath string
	Interval   time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure offline evaluation of a reading file.
type ReplayOptions struct {
	SourcePath string
	CSVPath    string
	PNGPath    string
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	if a.Notifier != nil {
		return a.Notifier, nil
	}
	cfg := a.Config.Alerting
	var notifiers alerting.Multi
	if a.Config.ChannelEnabled(config.ChannelLog) {
		notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
	}
	if a.Config.ChannelEnabled(config.ChannelEmail) {
		if cfg.Email.Enabled {
			email, err := alerting.NewEmailNotifier(alerting.EmailOptions{
				Host:     cfg.Email.Host,
				Port:     cfg.Email.Port,
				Username: cfg.Email.Username,
				Password: cfg.Email.Password,
				From:     cfg.Email.From,
				To:       cfg.Email.To,
				Timeout:  cfg.Email.Timeout,
			}, a.Logger)
			if err != nil {
				return nil, fmt.Errorf("email notifier: %w", err)
			}
			notifiers = append(notifiers, email)
		} else {
			a.Logger.Warn().Msg("email channel listed but alerting.email.enabled is false; skipping")
		}
	}
	if a.Config.ChannelEnabled(config.ChannelTelegram) {
		if cfg.Telegram.Enabled {
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
		} else {
			a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false; skipping")
		}
	}
	if len(notifiers) == 0 {
		a.Logger.Warn().Msg("no alert channel configured; alerts will only be logged")
		return alerting.NewLogNotifier(a.Logger), nil
	}
	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return notifiers, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newDispatcher wires the notifier and optional alert store into a dispatcher.
// The returned closer releases the store.
func (a *App) newDispatcher(ctx context.Context) (*alerting.Dispatcher, func(), error) {
	notifier, err := a.newNotifier()
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		QueueSize:     a.Config.Alerting.QueueSize,
		NotifyTimeout: a.Config.Alerting.NotifyTimeout,
	}, notifier, alertStore, a.Logger)

	closer := func() {
		if closeStore != nil {
			closeStore()
		}
	}
	return dispatcher, closer, nil
}

func (a *App) kafkaOptions() broker.KafkaOptions {
	b := a.Config.Broker
	return broker.KafkaOptions{
		Brokers:      b.Brokers,
		ClientID:     b.ClientID,
		GroupPrefix:  b.GroupPrefix,
		WriteTimeout: b.WriteTimeout,
		ReadMaxWait:  b.ReadMaxWait,
		FetchTimeout: b.FetchTimeout,
		Retry: broker.RetryPolicy{
			MaxRetries:     b.Retry.MaxRetries,
			InitialBackoff: b.Retry.InitialBackoff,
			MaxBackoff:     b.Retry.MaxBackoff,
		},
	}
}

// requireKafka rejects the in-process driver for commands that run as
// separate processes.
func (a *App) requireKafka(command string) error {
	if a.Config.Broker.Driver != config.DriverKafka {
		return fmt.Errorf("%s needs broker.driver=%s; the %s driver only works with run-all", command, config.DriverKafka, a.Config.Broker.Driver)
	}
	return nil
}

func (a *App) newPublisher(mem *broker.Memory) (broker.Publisher, error) {
	if mem != nil {
		return mem, nil
	}
	return broker.NewKafkaPublisher(a.kafkaOptions(), a.Logger)
}

func (a *App) newSubscriber(mem *broker.Memory, topic, name string) (broker.Subscriber, error) {
	if mem != nil {
		return mem.Subscribe(topic), nil
	}
	return broker.NewKafkaSubscriber(a.kafkaOptions(), topic, name, a.Logger)
}

func (a *App) newProducer(ctx context.Context, opts ProduceOptions, pub broker.Publisher) (*producer.Producer, func(), error) {
	path := a.Config.Producer.SourcePath
	if opts.SourcePath != "" {
		path = opts.SourcePath
	}
	interval := a.Config.Producer.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	source, err := reading.OpenCSV(path)
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		source.Close()
		return nil, nil, err
	}
	var locker storage.AdvisoryLocker
	if store != nil {
		locker = store
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     interval,
		AlignToStart: a.Config.Producer.AlignToStart,
		StartupDelay: a.Config.Producer.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	p, err := producer.New(producer.Options{
		Topics:  a.Config.ProducerTopics(),
		LockKey: a.Config.Producer.AdvisoryLockKey,
	}, source, pub, sched, locker, a.Logger)

	closer := func() {
		source.Close()
		if closeStore != nil {
			closeStore()
		}
	}
	if err != nil {
		closer()
		return nil, nil, err
	}
	return p, closer, nil
}

func (a *App) newEvaluator(kind detector.Kind, sink detector.Sink) (*detector.Evaluator, error) {
	spec, err := detector.SpecFor(kind)
	if err != nil {
		return nil, err
	}
	return detector.NewEvaluator(spec, sink, a.Logger)
}

// Produce replays the configured source onto every alert channel.
func (a *App) Produce(ctx context.Context, opts ProduceOptions) error {
	if err := a.requireKafka("produce"); err != nil {
		return err
	}
	pub, err := a.newPublisher(nil)
	if err != nil {
		return err
	}
	defer pub.Close()

	p, closer, err := a.newProducer(ctx, opts, pub)
	if err != nil {
		return err
	}
	defer closer()

	return a.supervise(ctx, nil, runner{name: "producer", run: p.Run})
}

// Consume runs the window evaluator for one alert kind.
func (a *App) Consume(ctx context.Context, kind detector.Kind) error {
	if err := a.requireKafka("consume"); err != nil {
		return err
	}
	dispatcher, closer, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	defer closer()

	evaluator, err := a.newEvaluator(kind, dispatcher)
	if err != nil {
		return err
	}
	sub, err := a.newSubscriber(nil, a.Config.TopicFor(kind), string(kind))
	if err != nil {
		return err
	}
	defer sub.Close()

	consumer, err := service.NewConsumer(string(kind), sub, a.Logger, evaluator)
	if err != nil {
		return err
	}
	return a.supervise(ctx, dispatcher, runner{name: string(kind) + " consumer", run: consumer.Run})
}

// Monitor evaluates all three kinds from the shared monitor channel.
func (a *App) Monitor(ctx context.Context) error {
	if err := a.requireKafka("monitor"); err != nil {
		return err
	}
	if !a.Config.Producer.PublishMonitor {
		a.Logger.Warn().Msg("producer.publish_monitor is false; the monitor channel may stay empty")
	}
	dispatcher, closer, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	defer closer()

	evaluators := make([]*detector.Evaluator, 0, len(detector.Kinds))
	for _, kind := range detector.Kinds {
		e, err := a.newEvaluator(kind, dispatcher)
		if err != nil {
			return err
		}
		evaluators = append(evaluators, e)
	}

	sub, err := a.newSubscriber(nil, a.Config.Broker.Topics.Monitor, "monitor")
	if err != nil {
		return err
	}
	defer sub.Close()

	consumer, err := service.NewConsumer("monitor", sub, a.Logger, evaluators...)
	if err != nil {
		return err
	}
	return a.supervise(ctx, dispatcher, runner{name: "monitor consumer", run: consumer.Run})
}

// RunAll runs the producer, the three evaluators, and the dispatcher in one
// process over the configured broker.
func (a *App) RunAll(ctx context.Context, opts ProduceOptions) error {
	var mem *broker.Memory
	if a.Config.Broker.Driver == config.DriverMemory {
		mem = broker.NewMemory(a.Config.Broker.MemoryBuffer)
		defer mem.Close()
	}

	dispatcher, closeDispatcher, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	var runners []runner
	for _, kind := range detector.Kinds {
		evaluator, err := a.newEvaluator(kind, dispatcher)
		if err != nil {
			return err
		}
		sub, err := a.newSubscriber(mem, a.Config.TopicFor(kind), string(kind))
		if err != nil {
			return err
		}
		defer sub.Close()
		consumer, err := service.NewConsumer(string(kind), sub, a.Logger, evaluator)
		if err != nil {
			return err
		}
		runners = append(runners, runner{name: string(kind) + " consumer", run: consumer.Run})
	}

	if a.Config.Producer.PublishMonitor {
		// The monitor consumer only logs here; the per-kind consumers alert.
		sub, err := a.newSubscriber(mem, a.Config.Broker.Topics.Monitor, "monitor")
		if err != nil {
			return err
		}
		defer sub.Close()
		consumer, err := service.NewConsumer("monitor", sub, a.Logger)
		if err != nil {
			return err
		}
		runners = append(runners, runner{name: "monitor consumer", run: consumer.Run})
	}

	pub, err := a.newPublisher(mem)
	if err != nil {
		return err
	}
	if mem == nil {
		defer pub.Close()
	}
	p, closeProducer, err := a.newProducer(ctx, opts, pub)
	if err != nil {
		return err
	}
	defer closeProducer()
	runners = append(runners, runner{name: "producer", run: p.Run})

	return a.supervise(ctx, dispatcher, runners...)
}

// supervise runs every runner until one fails or a signal arrives. The
// dispatcher outlives the runners so queued alerts are flushed last.
func (a *App) supervise(ctx context.Context, dispatcher *alerting.Dispatcher, runners ...runner) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	aux, stopAux := context.WithCancel(ctx)
	defer stopAux()
	go a.serveMetrics(aux)
	go a.watchConfig(aux)

	if dispatcher != nil {
		dctx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			_ = dispatcher.Run(dctx)
			close(done)
		}()
		defer func() {
			stopDispatch()
			<-done
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			if err := r.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			a.Logger.Info().Str("runner", r.name).Msg("finished")
			return nil
		})
	}

	a.Logger.Info().
		Str("app", a.Config.App.Name).
		Str("environment", a.Config.App.Environment).
		Int("runners", len(runners)).
		Str("driver", a.Config.Broker.Driver).
		Msg("started")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("terminated with error")
		return err
	}

	a.Logger.Info().Msg("stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	if err := metrics.Serve(ctx, a.Config.Metrics.Addr, a.Logger); err != nil {
		a.Logger.Error().Err(err).Str("addr", a.Config.Metrics.Addr).Msg("metrics endpoint failed")
	}
}

func (a *App) watchConfig(ctx context.Context) {
	path := a.Config.Path()
	if path == "" {
		return
	}
	err := config.Watch(ctx, path, a.Logger, func(cfg *config.Config) {
		level, err := logging.SetLevel(cfg.Logging.Level)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("ignoring reloaded log level")
			return
		}
		a.Logger.Info().Str("level", level.String()).Msg("log level applied")
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("config watch disabled")
	}
}
