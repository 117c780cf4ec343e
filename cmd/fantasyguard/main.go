package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"fantasyguard/internal/alerts"
	"fantasyguard/internal/api"
	"fantasyguard/internal/audit"
	"fantasyguard/internal/config"
	"fantasyguard/internal/detection"
	"fantasyguard/internal/export"
	"fantasyguard/internal/ingest"
	"fantasyguard/internal/logging"
	"fantasyguard/internal/metrics"
	"fantasyguard/internal/notify"
	"fantasyguard/internal/pipeline"
	"fantasyguard/internal/ratelimit"
	"fantasyguard/internal/scheduler"
	"fantasyguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Configuration file path (YAML or JSON)")
	flag.Parse()

	cfgManager, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger, level := logging.New(os.Stdout, cfg.LogLevel)
	logger.Info("starting fantasyguard", "version", version, "config", cfgManager.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := build(ctx, cfgManager, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	root := suture.New("fantasyguard", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	for _, svc := range app.services {
		root.Add(svc)
	}
	root.Add(&configWatcher{
		manager: cfgManager,
		logger:  logger,
		onReload: func(next *config.Config) {
			level.Set(logging.ParseLevel(next.LogLevel))
			app.apply(next)
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
	}
	logger.Info("fantasyguard stopped")
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

type app struct {
	limiter    *ratelimit.Limiter
	detector   *detection.Detector
	correlator *audit.Correlator
	guard      *pipeline.Guard
	services   []suture.Service
	closers    []func() error
}

func (a *app) apply(cfg *config.Config) {
	a.limiter.UpdateConfig(cfg.RateLimit)
	a.detector.UpdateConfig(cfg.Detection)
	a.correlator.UpdateConfig(cfg.Audit)
	a.guard.UpdateConfig(cfg.Pipeline)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger) (*app, error) {
	cfg := cfgManager.Get()
	a := &app{}

	history := alerts.NewStore(1000)
	alerter := notify.Multi{history, notify.NewLog(logger.With("component", "notify"))}
	var sessions pipeline.SessionTerminator = notify.NewLog(logger.With("component", "notify"))
	if cfg.Notify.NATS.Enabled {
		nc, err := notify.ConnectNATS(cfg.Notify.NATS, logger.With("component", "nats"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		alerter = append(alerter, nc)
		sessions = nc
	}

	dispatcher := audit.NewDispatcher(cfg.Audit.SinkBuffer, logger.With("component", "audit-sink"))
	if cfg.Storage.Enabled {
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.Init(initCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		dispatcher.AddSink("storage", store)
	}
	if cfg.Export.Kafka.Enabled {
		sink := export.NewKafkaSink(cfg.Export.Kafka)
		a.closers = append(a.closers, sink.Close)
		dispatcher.AddSink("kafka", sink)
	}

	a.limiter = ratelimit.New(cfg.RateLimit, logger.With("component", "ratelimit"))
	a.detector = detection.New(cfg.Detection, a.limiter, logger.With("component", "detection"))
	a.correlator = audit.New(cfg.Audit, logger.With("component", "audit"),
		audit.WithBlocker(a.limiter),
		audit.WithAlerter(alerter),
		audit.WithDispatcher(dispatcher),
	)
	a.guard = pipeline.New(cfg.Pipeline, a.limiter, a.detector, a.correlator, logger.With("component", "pipeline"),
		pipeline.WithSessionTerminator(sessions),
		pipeline.WithAlerter(alerter),
	)
	ingestor := ingest.New(cfg.Ingest.ChannelBuffer, a.correlator, logger.With("component", "ingest"))

	sched := scheduler.New(logger.With("component", "scheduler"))
	if err := addMaintenance(sched, cfg.Maintenance, a); err != nil {
		return nil, err
	}

	err := metrics.RegisterStoreGauges(prometheus.DefaultRegisterer,
		[]string{"ratelimit_entries", "ip_blocks", "profiles", "volume_counters", "events", "incidents", "pattern_cooldowns", "alert_history", "ingest_queue"},
		func() map[string]int {
			rl := a.limiter.Stats()
			det := a.detector.Stats()
			au := a.correlator.Stats()
			return map[string]int{
				"ratelimit_entries": rl.Entries,
				"ip_blocks":         rl.Blocks,
				"profiles":          det.Profiles,
				"volume_counters":   det.VolumeCounters,
				"events":            au.Events,
				"incidents":         au.Incidents,
				"pattern_cooldowns": au.Cooldowns,
				"alert_history":     history.Len(),
				"ingest_queue":      ingestor.Pending(),
			}
		})
	if err != nil {
		return nil, err
	}

	a.services = append(a.services, dispatcher, sched, ingestor)
	if cfg.Ingest.Kafka.Enabled {
		a.services = append(a.services, ingest.NewKafkaConsumer(cfg.Ingest.Kafka, ingestor, logger.With("component", "kafka-ingest")))
	}
	if cfg.API.Enabled {
		a.services = append(a.services, api.New(api.Deps{
			Config:     cfgManager,
			Alerts:     history,
			Limiter:    a.limiter,
			Detector:   a.detector,
			Correlator: a.correlator,
			Guard:      a.guard,
			Ingestor:   ingestor,
			Scheduler:  sched,
		}, logger.With("component", "api"), version))
	}
	if cfg.Proxy.Enabled {
		proxy, err := newGuardedProxy(cfg.Proxy, a.guard, logger.With("component", "proxy"))
		if err != nil {
			return nil, err
		}
		a.services = append(a.services, proxy)
	}
	return a, nil
}

func addMaintenance(sched *scheduler.Scheduler, m config.MaintenanceConfig, a *app) error {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       scheduler.TaskFunc
	}{
		{"ratelimit-sweep", m.RateLimitSweep, func(context.Context) (int, error) { return a.limiter.SweepEntries(), nil }},
		{"ipblock-sweep", m.BlockSweep, func(context.Context) (int, error) { return a.limiter.SweepBlocks(), nil }},
		{"profile-prune", m.ProfilePrune, func(context.Context) (int, error) { return a.detector.PruneProfiles(), nil }},
		{"volume-sweep", m.VolumeSweep, func(context.Context) (int, error) { return a.detector.SweepVolume(), nil }},
		{"event-prune", m.EventPrune, func(context.Context) (int, error) { return a.correlator.PruneEvents(), nil }},
		{"cooldown-sweep", m.EventPrune, func(context.Context) (int, error) { return a.correlator.SweepCooldowns(), nil }},
	}
	for _, t := range tasks {
		if err := sched.Add(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}
	return nil
}

// configWatcher polls the config file and applies changes to the running
// components.
type configWatcher struct {
	manager  *config.Manager
	logger   *slog.Logger
	onReload func(*config.Config)
}

func (w *configWatcher) Serve(ctx context.Context) error {
	if w.manager.Path() == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	w.manager.Watch(3*time.Second, func(cfg *config.Config) {
		w.logger.Info("config reloaded", "path", w.manager.Path())
		w.onReload(cfg)
	}, func(err error) {
		w.logger.Warn("config reload failed", "error", err)
	}, ctx.Done())
	return ctx.Err()
}

func (w *configWatcher) String() string {
	return "config-watcher"
}
