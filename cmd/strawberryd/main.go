// Package main implements strawberryd, the post-processing daemon.
// It drains the work queues on cron schedules, optionally runs the
// per-asset control loop, and exposes Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/config"
	"github.com/esmero/strawberry-runners-sub000/configstore"
	"github.com/esmero/strawberry-runners-sub000/dispatcher"
	"github.com/esmero/strawberry-runners-sub000/filecache"
	"github.com/esmero/strawberry-runners-sub000/health"
	"github.com/esmero/strawberry-runners-sub000/matcher"
	"github.com/esmero/strawberry-runners-sub000/metric"
	"github.com/esmero/strawberry-runners-sub000/natsclient"
	"github.com/esmero/strawberry-runners-sub000/plugins"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/scheduler"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
	"github.com/esmero/strawberry-runners-sub000/storage"
	"github.com/esmero/strawberry-runners-sub000/tracking"
	"github.com/esmero/strawberry-runners-sub000/worker"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "strawberryd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// local development convenience, absence is not an error
	_ = godotenv.Load()

	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}
	logger := cfg.Logging.Logger().With("service", appName, "version", Version, "pid", os.Getpid())
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}
	if cfg.Storage.Root == "" && cfg.Storage.Bucket == "" {
		return fmt.Errorf("either storage.root or storage.bucket is required")
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	d, err := buildDaemon(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	// one-shot administrative modes
	switch {
	case cliCfg.RunAsset != "":
		if err := scheduler.Submit(signalCtx, d.queue, cliCfg.RunAsset, cliCfg.Force); err != nil {
			return fmt.Errorf("queue asset: %w", err)
		}
		logger.Info("asset queued for processing", "asset", cliCfg.RunAsset, "force", cliCfg.Force)
		return nil
	case cliCfg.ResubmitFailed:
		n, err := d.worker.ResubmitAll(signalCtx)
		if err != nil {
			return fmt.Errorf("resubmit failed items: %w", err)
		}
		logger.Info("failed items resubmitted", "count", n)
		return nil
	}

	return d.serve(signalCtx, cfg, cliCfg.ShutdownTimeout)
}

// daemon bundles the long-lived pieces main wires together
type daemon struct {
	logger  *slog.Logger
	nats    *natsclient.Client
	queue   queue.Queue
	worker  *worker.Worker
	sched   *scheduler.Scheduler
	metrics *metric.Server
	monitor *health.Monitor
	drains  *cron.Cron
}

func buildDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	logger.Info("connecting to NATS", "url", cfg.NATS.URL)
	nc, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.NATS.ClientName),
		natsclient.WithTimeout(time.Duration(cfg.NATS.TimeoutSeconds)*time.Second),
		natsclient.WithReconnect(cfg.NATS.MaxReconnects, time.Duration(cfg.NATS.ReconnectWaitSeconds)*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	built := false
	defer func() {
		if !built {
			_ = nc.Close(context.Background())
		}
	}()

	bucket := func(suffix string) (*natsclient.KVStore, error) {
		kv, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.NATS.Bucket(suffix),
			Description: "strawberry runners " + suffix,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", suffix, err)
		}
		return nc.NewKVStore(kv), nil
	}

	assetsKV, err := bucket("assets")
	if err != nil {
		return nil, err
	}
	trackingKV, err := bucket("tracking")
	if err != nil {
		return nil, err
	}
	configsKV, err := bucket("configs")
	if err != nil {
		return nil, err
	}
	livenessKV, err := bucket("liveness")
	if err != nil {
		return nil, err
	}

	q, err := queue.NewJetStreamQueue(ctx, nc, logger)
	if err != nil {
		return nil, fmt.Errorf("create work queue: %w", err)
	}

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	reg := registry.NewRegistry()
	if err := plugins.Register(reg); err != nil {
		return nil, fmt.Errorf("register plugins: %w", err)
	}
	logger.Info("plugins registered", "plugins", reg.List())

	assets := asset.NewKVStore(assetsKV, logger)
	track := tracking.NewKVStore(trackingKV, logger)
	configs := configstore.NewKVStore(configsKV, logger)

	indexes := make([]searchindex.Index, 0, len(cfg.Indexes))
	for _, ic := range cfg.Indexes {
		idx, err := searchindex.NewHTTPIndex(ic.HTTP(), nil, logger)
		if err != nil {
			return nil, fmt.Errorf("create index %s: %w", ic.ID, err)
		}
		indexes = append(indexes, idx)
	}

	var files storage.FileSource
	if cfg.Storage.Bucket != "" {
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("object store needs JetStream: %w", err)
		}
		files, err = storage.NewObjectSource(ctx, js, cfg.Storage.Bucket, logger)
		if err != nil {
			return nil, fmt.Errorf("open object store bucket: %w", err)
		}
	} else {
		var err error
		files, err = storage.NewFSSource(cfg.Storage.Root)
		if err != nil {
			return nil, fmt.Errorf("open storage root: %w", err)
		}
	}
	cache, err := filecache.New(cfg.Cache.Dir, cfg.Cache.MaxEntries, logger)
	if err != nil {
		return nil, fmt.Errorf("create file cache: %w", err)
	}

	resolver := matcher.NewResolver(logger)
	disp := dispatcher.New(q, configs, reg, resolver, metrics, logger)

	w, err := worker.New(worker.Config{
		Queue:      q,
		Configs:    configs,
		Registry:   reg,
		Files:      files,
		Cache:      cache,
		Tracking:   track,
		Indexes:    indexes,
		Assets:     assets,
		Dispatcher: disp,
		Metrics:    metrics,
		Datasource: cfg.Datasource,
		PluginDeps: registry.Dependencies{Logger: logger, Metrics: metricsRegistry},
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}

	d := &daemon{
		logger:  logger,
		nats:    nc,
		queue:   q,
		worker:  w,
		monitor: health.NewMonitor(),
	}
	d.monitor.Set("nats", health.Healthy("nats", "connected"))

	if cfg.Scheduler.Enabled {
		d.sched, err = scheduler.New(scheduler.Config{
			Queue:                 q,
			Assets:                assets,
			Dispatcher:            disp,
			Worker:                w,
			Metrics:               metrics,
			Liveness:              scheduler.NewKVLiveness(livenessKV, cfg.Scheduler.LivenessKey),
			WakePeriod:            cfg.Scheduler.WakePeriod(),
			IdleBudget:            cfg.Scheduler.IdleBudget,
			MaxConcurrentChildren: cfg.Scheduler.MaxChildren,
			Logger:                logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		d.metrics = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry, logger)
		d.metrics.SetHealthHandler(health.Handler(d.monitor, appName))
	}
	built = true
	return d, nil
}

// serve runs the drain schedules and the control loop until a signal
func (d *daemon) serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	if d.metrics != nil {
		if err := d.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	d.drains = cron.New(cron.WithLogger(cron.DiscardLogger))
	realtime := worker.DrainOptions{Workers: cfg.Queues.RealtimeWorkers}
	background := worker.DrainOptions{Workers: cfg.Queues.BackgroundWorkers}
	if cfg.Queues.BackgroundRate > 0 {
		background.Limiter = rate.NewLimiter(rate.Limit(cfg.Queues.BackgroundRate), 1)
	}

	addDrain := func(spec, topic string, opts worker.DrainOptions) error {
		_, err := d.drains.AddFunc(spec, func() {
			n, err := d.worker.Drain(ctx, topic, opts)
			d.monitor.SetError("queue-"+topic, err)
			if err != nil {
				d.logger.Error("queue drain failed", "topic", topic, "error", err)
				return
			}
			if n > 0 {
				d.logger.Info("queue drained", "topic", topic, "items", n)
			}
		})
		return err
	}
	if err := addDrain(cfg.Queues.RealtimeSchedule, queue.TopicRealtime, realtime); err != nil {
		return fmt.Errorf("schedule realtime drain: %w", err)
	}
	if err := addDrain(cfg.Queues.BackgroundSchedule, queue.TopicBackground, background); err != nil {
		return fmt.Errorf("schedule background drain: %w", err)
	}
	d.drains.Start()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d.nats.IsHealthy() {
					d.monitor.Set("nats", health.Healthy("nats", "connected"))
				} else {
					d.monitor.Set("nats", health.Degraded("nats", d.nats.Status().String()))
				}
			}
		}
	}()

	schedDone := make(chan error, 1)
	if d.sched != nil {
		go func() { schedDone <- d.sched.Run(ctx) }()
	}

	d.logger.Info("daemon started",
		"realtime_schedule", cfg.Queues.RealtimeSchedule,
		"background_schedule", cfg.Queues.BackgroundSchedule,
		"scheduler", cfg.Scheduler.Enabled,
		"metrics", cfg.Metrics.Enabled)

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case err := <-schedDone:
		if err != nil {
			d.logger.Error("scheduler exited with error", "error", err)
		} else {
			d.logger.Info("scheduler exited, control loop idle")
		}
	}

	stopCtx := d.drains.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(shutdownTimeout):
		d.logger.Warn("drain jobs did not finish before the shutdown timeout")
	}

	if d.metrics != nil {
		if err := d.metrics.Stop(shutdownTimeout); err != nil {
			d.logger.Warn("metrics server stop failed", "error", err)
		}
	}

	d.logger.Info("daemon shutdown complete")
	return nil
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.nats.Close(ctx); err != nil {
		d.logger.Warn("NATS close failed", "error", err)
	}
}
