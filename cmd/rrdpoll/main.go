package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/taniwha3/rrdpoll/internal/collector"
	"github.com/taniwha3/rrdpoll/internal/config"
	"github.com/taniwha3/rrdpoll/internal/engine"
	"github.com/taniwha3/rrdpoll/internal/health"
	"github.com/taniwha3/rrdpoll/internal/lockfile"
	"github.com/taniwha3/rrdpoll/internal/logging"
	"github.com/taniwha3/rrdpoll/internal/models"
	"github.com/taniwha3/rrdpoll/internal/monitoring"
	"github.com/taniwha3/rrdpoll/internal/render"
	"github.com/taniwha3/rrdpoll/internal/scheduler"
	"github.com/taniwha3/rrdpoll/internal/storage"
	"github.com/taniwha3/rrdpoll/internal/watchdog"
)

var appVersion = "dev" // Set by -ldflags during build

const (
	defaultRate     = 60
	selfStatsPeriod = 15 * time.Second
)

// errUsage marks command lines the flag package rejected; it has already
// printed the problem and the usage text
var errUsage = errors.New("usage")

// oidList collects repeated -oids flags
type oidList []string

func (o *oidList) String() string {
	return strings.Join(*o, ",")
}

func (o *oidList) Set(v string) error {
	*o = append(*o, v)
	return nil
}

type options struct {
	db                    string
	rate                  int
	addr                  string
	workers               int
	configPath            string
	module                string
	oids                  oidList
	settingsPath          string
	allowDefaultCommunity bool
	version               bool
}

func (o *options) storePath() string { return o.db + ".db" }
func (o *options) chartPath() string { return o.db + ".graph.png" }

func newFlagSet(opts *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("rrdpoll", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.db, "db", "", "Store name: rows go to <db>.db, the chart to <db>.graph.png")
	fs.IntVar(&opts.rate, "rate", defaultRate, "How often to poll the device, in seconds")
	fs.StringVar(&opts.addr, "addr", "", "Device address (host or host:port)")
	fs.IntVar(&opts.workers, "workers", 0, "Concurrent queries (default from settings, 4)")
	fs.StringVar(&opts.configPath, "config", "", "Module file (TOML, or YAML by extension)")
	fs.StringVar(&opts.module, "module", "", "Use a preset module from -config")
	fs.Var(&opts.oids, "oids", "List of oids, format OID:DSTYPE[:TRANSFORM], ex. ifInOctets.12:COUNTER:8,* (repeatable)")
	fs.StringVar(&opts.settingsPath, "settings", "", "Daemon settings file (YAML)")
	fs.BoolVar(&opts.allowDefaultCommunity, "allow-default-community", false, "Use community \"public\" when no secret is configured")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: rrdpoll -db NAME -addr HOST (-config FILE -module NAME | -oids LIST) [flags]\n\n")
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses and checks the command line. Bad values are reported
// as *config.ConfigError.
func parseFlags(fs *flag.FlagSet, opts *options, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if opts.version {
		return nil
	}
	if fs.NArg() > 0 {
		return &config.ConfigError{Source: "args", Err: fmt.Errorf("unexpected arguments %v", fs.Args())}
	}
	if opts.db == "" {
		return &config.ConfigError{Source: "-db", Err: errors.New("a store name is required")}
	}
	if opts.rate <= 0 {
		return &config.ConfigError{Source: "-rate", Err: fmt.Errorf("must be a positive number of seconds, got %d", opts.rate)}
	}
	if opts.workers < 0 {
		return &config.ConfigError{Source: "-workers", Err: fmt.Errorf("must not be negative, got %d", opts.workers)}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := realMain(ctx, os.Args[1:], os.Stdout, os.Stderr, collector.NewSNMPQuerier())
	stop()
	os.Exit(code)
}

// realMain returns the process exit status: 0 after a clean stop, 2 for
// usage and configuration errors, 1 when polling ended on an error.
func realMain(ctx context.Context, args []string, stdout, stderr io.Writer, querier collector.Querier) int {
	var opts options
	fs := newFlagSet(&opts, stderr)

	err := parseFlags(fs, &opts, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err == nil && opts.version {
		fmt.Fprintf(stdout, "rrdpoll %s\n", appVersion)
		return 0
	}
	if err == nil {
		err = run(ctx, &opts, querier, stdout)
	}

	var ce *config.ConfigError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ce):
		fmt.Fprintf(stderr, "rrdpoll: %v\n\n", err)
		fs.Usage()
		return 2
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "rrdpoll: %v\n", err)
		return 1
	}
}

// run polls until ctx is cancelled and renders the chart
func run(ctx context.Context, opts *options, querier collector.Querier, stdout io.Writer) error {
	settings, err := config.LoadSettings(opts.settingsPath)
	if err != nil {
		return err
	}

	logCfg := settings.Logging.LoggingConfig()
	logCfg.Output = stdout
	logger := logging.New(logCfg)
	logging.SetDefault(logger)

	queries, err := config.BuildQuerySet(config.Source{
		Target:     opts.addr,
		ConfigPath: opts.configPath,
		Module:     opts.module,
		OIDs:       opts.oids,
	})
	if err != nil {
		return err
	}

	community, err := config.LoadSecrets(settings.Secrets.GetPath(), opts.allowDefaultCommunity)
	if err != nil {
		return err
	}
	for i := range queries {
		queries[i].Credential = community
	}
	if err := render.ValidateDefs(queries.SeriesDefs()); err != nil {
		return &config.ConfigError{Source: "transform", Err: err}
	}

	policy, err := scheduler.ParsePolicy(settings.Collection.Policy)
	if err != nil {
		return &config.ConfigError{Source: "collection.policy", Err: err}
	}
	// Durations were checked by LoadSettings
	queryTimeout, _ := settings.Collection.QueryTimeout()
	tickTimeout, _ := settings.Collection.TickTimeout()
	heartbeat, _ := settings.Storage.Heartbeat()

	workers := settings.Collection.GetWorkers()
	if opts.workers > 0 {
		workers = opts.workers
	}
	interval := time.Duration(opts.rate) * time.Second
	storePath := opts.storePath()
	sessionID := uuid.NewString()

	ctx = logging.WithStore(ctx, storePath)
	schedLogger := logging.FromContext(ctx, logger) // the scheduler adds the session itself
	ctx = logging.WithSessionID(ctx, sessionID)
	logger = logging.FromContext(ctx, logger)

	logger.Info("Starting rrdpoll",
		slog.String("version", appVersion),
		slog.String("target", opts.addr),
		slog.Int("queries", len(queries)),
		slog.Duration("interval", interval),
		slog.Int("workers", workers),
		slog.String("chart", opts.chartPath()),
		slog.Bool("systemd", watchdog.IsRunningUnderSystemd()),
	)

	if settings.Storage.LockEnabled() {
		lock, err := lockfile.ForStore(storePath)
		if err != nil {
			logger.Error("Failed to lock store - another poller may be writing it", slog.Any("error", err))
			return err
		}
		defer lock.Release()
		logger.Debug("Store lock acquired", slog.String("lock_path", lock.Path()))
	}

	metrics, err := monitoring.NewMetrics()
	if err != nil {
		return err
	}

	eng := engine.New(collector.NewQueryCollector(querier, metrics), engine.Options{
		Workers:      workers,
		QueryTimeout: queryTimeout,
		TickTimeout:  tickTimeout,
		Logger:       logger,
	})
	defer eng.Close()

	store := storage.NewRRDStore(storage.Options{
		Rows:      settings.Storage.Rows,
		Heartbeat: heartbeat,
	})
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", slog.Any("error", err))
		}
	}()

	renderer := render.NewPlotRenderer(store, render.Options{
		Width:  settings.Render.Width,
		Height: settings.Render.Height,
		Title:  settings.Render.Title,
		Logger: logger,
	})

	checker := health.NewChecker(health.ThresholdsFromInterval(interval), len(queries))
	wd := watchdog.NewPinger(logger)

	sched := scheduler.New(scheduler.Config{
		StorePath: storePath,
		ChartPath: opts.chartPath(),
		Interval:  interval,
		Queries:   queries,
		Policy:    policy,
		SessionID: sessionID,
	}, eng, store, renderer,
		scheduler.WithLogger(schedLogger),
		scheduler.WithObserver(metrics),
		scheduler.WithObserver(checker),
		scheduler.WithObserver(wd),
		scheduler.WithNotifier(wd),
	)

	// Background services outlive ctx so they keep answering while the
	// final tick and the chart are written
	bgCtx, cancelBg := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancelBg()
		wg.Wait()
	}()

	if addr := settings.Monitoring.HealthAddress; addr != "" {
		server := health.NewServer(health.ServerConfig{
			Checker:   checker,
			Gatherer:  metrics.Registry(),
			Stats:     sched,
			Series:    store,
			StorePath: storePath,
			Logger:    logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting health server", slog.String("address", addr))
			if err := server.Start(bgCtx, addr); err != nil {
				logger.Error("Health server error", slog.Any("error", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.Run(bgCtx, selfStatsPeriod, store, storePath, logger)
	}()

	if wd.IsEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wd.Start(bgCtx)
		}()
		logger.Info("Watchdog pinger started", slog.Duration("interval", wd.GetInterval()))
	}

	err = sched.Run(ctx)
	stats := sched.Stats()
	attrs := []any{
		slog.Uint64("ticks", stats.Ticks),
		slog.Uint64("rows", stats.Rows),
		slog.Uint64("failed", stats.Failed),
	}
	if err != nil {
		var failure *models.Failure
		if errors.As(err, &failure) {
			attrs = append(attrs, slog.Any("failed_queries", failure.Labels()))
		}
		logger.Error("Polling ended with error", append(attrs, slog.String("error", err.Error()))...)
		return err
	}
	logger.Info("Shutdown complete", attrs...)
	return nil
}
