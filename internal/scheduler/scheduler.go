package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taniwha3/rrdpoll/internal/logging"
	"github.com/taniwha3/rrdpoll/internal/models"
)

// State is the lifecycle position of a Scheduler
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FailurePolicy decides what a failed tick does to the loop
type FailurePolicy string

const (
	// PolicySkip drops the tick and keeps polling
	PolicySkip FailurePolicy = "skip"
	// PolicyAbort stops the loop and returns the failure
	PolicyAbort FailurePolicy = "abort"
)

// ParsePolicy validates a policy name; empty means PolicySkip
func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want skip or abort)", s)
}

var (
	// ErrNotReusable is returned by Run on a scheduler that already ran
	ErrNotReusable = errors.New("scheduler is not reusable")
	// ErrTickFailed wraps the failure that stopped an abort-policy loop
	ErrTickFailed = errors.New("collection tick failed")
)

// Collector runs one tick's queries
type Collector interface {
	CollectAll(ctx context.Context, queries models.QuerySet) models.Outcome
}

// Sink persists rows
type Sink interface {
	Create(ctx context.Context, path string, step time.Duration, columns []models.Column) error
	Append(ctx context.Context, path string, ts time.Time, values []int64) error
}

// Renderer draws the stored series for a time window
type Renderer interface {
	Render(ctx context.Context, outputPath, storePath string, start, end time.Time, defs []models.SeriesDef) error
}

// Notifier is told when polling starts and stops (systemd)
type Notifier interface {
	NotifyReady()
	NotifyStopping()
}

// Observer is told about every finished tick
type Observer interface {
	TickFinished(r TickReport)
}

// TickReport describes one finished tick
type TickReport struct {
	Seq      uint64
	Started  time.Time
	Duration time.Duration
	Outcome  models.Outcome
	Stored   bool
	StoreErr error
}

// Config is what a Scheduler polls and where it writes
type Config struct {
	StorePath string
	ChartPath string
	Interval  time.Duration
	Queries   models.QuerySet
	Policy    FailurePolicy
	SessionID string
}

// Stats is a snapshot of scheduler progress
type Stats struct {
	State      string    `json:"state"`
	SessionID  string    `json:"session_id"`
	StorePath  string    `json:"store_path"`
	Start      time.Time `json:"start,omitempty"`
	Stop       time.Time `json:"stop,omitempty"`
	Ticks      uint64    `json:"ticks"`
	Rows       uint64    `json:"rows"`
	Failed     uint64    `json:"failed"`
	LastTick   time.Time `json:"last_tick,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Interval   string    `json:"interval"`
	QueryCount int       `json:"queries"`
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithObserver adds a tick observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithNotifier sets the start/stop notifier
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock replaces the time source and the inter-tick sleep
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

// Scheduler drives the fixed-interval poll loop. It runs once.
type Scheduler struct {
	cfg       Config
	collector Collector
	sink      Sink
	renderer  Renderer
	notifier  Notifier
	observers []Observer
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state atomic.Int32

	mu        sync.Mutex
	start     time.Time
	stop      time.Time
	ticks     uint64
	rows      uint64
	failed    uint64
	lastTick  time.Time
	lastError string
}

// New creates an idle scheduler
func New(cfg Config, collector Collector, sink Sink, renderer Renderer, opts ...Option) *Scheduler {
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	s := &Scheduler{
		cfg:       cfg,
		collector: collector,
		sink:      sink,
		renderer:  renderer,
		logger:    logging.Default(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", cfg.SessionID))
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of progress
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:      s.State().String(),
		SessionID:  s.cfg.SessionID,
		StorePath:  s.cfg.StorePath,
		Start:      s.start,
		Stop:       s.stop,
		Ticks:      s.ticks,
		Rows:       s.rows,
		Failed:     s.failed,
		LastTick:   s.lastTick,
		LastError:  s.lastError,
		Interval:   s.cfg.Interval.String(),
		QueryCount: len(s.cfg.Queries),
	}
}

// Run creates the store, polls until ctx is cancelled, then renders the chart
// over the whole run. A tick in progress when ctx is cancelled completes first.
// Storage errors end the run without a chart.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrNotReusable
	}

	// Ticks, appends and the final render are never interrupted
	work := context.WithoutCancel(ctx)

	start := s.now()
	s.mu.Lock()
	s.start = start
	s.mu.Unlock()

	if err := s.sink.Create(work, s.cfg.StorePath, s.cfg.Interval, s.cfg.Queries.Columns()); err != nil {
		s.finish(err)
		return fmt.Errorf("failed to create store: %w", err)
	}

	s.logger.Info("Polling started",
		slog.String("store", s.cfg.StorePath),
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("queries", len(s.cfg.Queries)),
		slog.String("policy", string(s.cfg.Policy)),
	)
	if s.notifier != nil {
		s.notifier.NotifyReady()
	}

	for {
		if err := s.tick(work); err != nil {
			s.finish(err)
			return err
		}

		if ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			break
		}
	}

	return s.shutdown(work)
}

// tick runs one collection and stores the row. It returns an error only when
// the loop must end.
func (s *Scheduler) tick(ctx context.Context) error {
	s.mu.Lock()
	s.ticks++
	seq := s.ticks
	s.mu.Unlock()

	started := s.now()
	outcome := s.collector.CollectAll(ctx, s.cfg.Queries)
	ts := s.now()

	report := TickReport{Seq: seq, Started: started, Outcome: outcome}
	defer func() {
		report.Duration = s.now().Sub(started)
		for _, o := range s.observers {
			o.TickFinished(report)
		}
	}()

	if !outcome.OK() {
		failure := outcome.Failure()
		s.recordFailure(ts, failure)

		attrs := logging.TickAttrs(seq, len(s.cfg.Queries), ts.Sub(started))
		attrs = append(attrs,
			slog.String("kind", string(failure.Kind)),
			slog.Any("failed", failure.Labels()),
		)
		attrs = append(attrs, logging.ErrorAttrs(failure)...)

		for _, fq := range failure.Failed {
			q := s.cfg.Queries[fq.Index]
			logging.LogQueryError(s.logger, q.Label, q.Target, q.MetricID, fq.Err)
		}

		if s.cfg.Policy == PolicyAbort {
			s.logger.LogAttrs(ctx, slog.LevelError, "Collection tick failed, aborting", attrs...)
			return fmt.Errorf("%w: %w", ErrTickFailed, failure)
		}
		s.logger.LogAttrs(ctx, slog.LevelWarn, "Collection tick failed, row skipped", attrs...)
		return nil
	}

	row := outcome.Row()
	if err := s.sink.Append(ctx, s.cfg.StorePath, ts, row.Values()); err != nil {
		report.StoreErr = err
		s.recordFailure(ts, err)
		s.logger.LogAttrs(ctx, slog.LevelError, "Failed to store row",
			append(logging.TickAttrs(seq, len(row), ts.Sub(started)), logging.ErrorAttrs(err)...)...)
		return fmt.Errorf("failed to append row: %w", err)
	}
	report.Stored = true

	s.mu.Lock()
	s.rows++
	s.lastTick = ts
	s.lastError = ""
	s.mu.Unlock()

	s.logger.LogAttrs(ctx, slog.LevelDebug, "Row stored",
		logging.TickAttrs(seq, len(row), ts.Sub(started))...)
	return nil
}

func (s *Scheduler) recordFailure(ts time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.lastTick = ts
	s.lastError = err.Error()
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	s.state.Store(int32(StateStopping))
	if s.notifier != nil {
		s.notifier.NotifyStopping()
	}

	stop := s.now()
	s.mu.Lock()
	s.stop = stop
	start := s.start
	rows := s.rows
	s.mu.Unlock()

	s.logger.Info("Polling stopped, rendering chart",
		slog.String("chart", s.cfg.ChartPath),
		slog.Uint64("rows", rows),
		slog.Duration("ran_for", stop.Sub(start)),
	)

	err := s.renderer.Render(ctx, s.cfg.ChartPath, s.cfg.StorePath, start, stop, s.cfg.Queries.SeriesDefs())
	s.state.Store(int32(StateStopped))
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "Failed to render chart", logging.ErrorAttrs(err)...)
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// finish ends a run that stopped on an error
func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	s.stop = s.now()
	s.lastError = err.Error()
	s.mu.Unlock()
	if s.notifier != nil {
		s.notifier.NotifyStopping()
	}
	s.state.Store(int32(StateStopped))
}
