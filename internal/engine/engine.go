package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taniwha3/rrdpoll/internal/collector"
	"github.com/taniwha3/rrdpoll/internal/models"
)

// ErrAbandoned marks queries still outstanding when the tick deadline passed
var ErrAbandoned = errors.New("abandoned at tick deadline")

// ErrClosed is returned for queries submitted after Close
var ErrClosed = errors.New("engine closed")

// Options configures the worker pool
type Options struct {
	Workers      int           // concurrent in-flight queries (default 1)
	QueryTimeout time.Duration // per-query budget (default 5s)
	TickTimeout  time.Duration // whole-tick budget; 0 derives it from QueryTimeout
	Logger       *slog.Logger
}

// Engine fans queries out to a fixed pool of workers.
// The pool is created once and reused by every CollectAll call.
type Engine struct {
	collector collector.Collector
	opts      Options
	logger    *slog.Logger

	jobs      chan job
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx     context.Context
	index   int
	query   models.MetricQuery
	results chan<- result
}

type result struct {
	index int
	value int64
	err   error
}

// New starts the worker pool
func New(c collector.Collector, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		collector: c,
		opts:      opts,
		logger:    logger,
		jobs:      make(chan job),
	}

	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i + 1)
	}

	logger.Debug("Collection worker pool started",
		slog.Int("workers", opts.Workers),
		slog.Duration("query_timeout", opts.QueryTimeout),
	)
	return e
}

// Workers returns the pool size
func (e *Engine) Workers() int {
	return e.opts.Workers
}

// TickTimeout returns the deadline applied to a tick of n queries
func (e *Engine) TickTimeout(n int) time.Duration {
	if e.opts.TickTimeout > 0 {
		return e.opts.TickTimeout
	}
	waves := (n + e.opts.Workers - 1) / e.opts.Workers
	if waves < 1 {
		waves = 1
	}
	return time.Duration(waves)*e.opts.QueryTimeout + time.Second
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for j := range e.jobs {
		qctx, cancel := context.WithTimeout(j.ctx, e.opts.QueryTimeout)
		value, err := e.collector.Collect(qctx, j.query)
		cancel()

		// results is buffered to the tick size, so this never blocks
		j.results <- result{index: j.index, value: value, err: err}
	}
	e.logger.Debug("Collection worker stopped", slog.Int("worker", id))
}

// CollectAll runs every query and returns a complete row in query order,
// or a failure naming the queries that did not complete.
// It returns only after every dispatched query has reported or the tick deadline passed.
func (e *Engine) CollectAll(ctx context.Context, queries models.QuerySet) models.Outcome {
	n := len(queries)
	if n == 0 {
		return models.Success(models.SampleRow{})
	}

	tickCtx, cancel := context.WithTimeout(ctx, e.TickTimeout(n))
	defer cancel()

	results := make(chan result, n)
	errs := make([]error, n)
	done := make([]bool, n)
	values := make([]int64, n)

	// Close cannot close the job channel while a dispatch holds the read lock
	e.mu.RLock()
	dispatched := 0
	if e.closed {
		for i := range errs {
			errs[i] = ErrClosed
		}
	} else {
	dispatch:
		for i, q := range queries {
			select {
			case e.jobs <- job{ctx: tickCtx, index: i, query: q, results: results}:
				dispatched++
			case <-tickCtx.Done():
				break dispatch
			}
		}
	}
	e.mu.RUnlock()

	received := 0
gather:
	for received < dispatched {
		select {
		case r := <-results:
			received++
			done[r.index] = true
			values[r.index] = r.value
			errs[r.index] = r.err
		case <-tickCtx.Done():
			break gather
		}
	}

	var failed []models.FailedQuery
	deadlineHit := false
	for i, q := range queries {
		err := errs[i]
		if !done[i] && err == nil {
			err = fmt.Errorf("%w: %w", ErrAbandoned, tickCtx.Err())
			deadlineHit = true
		}
		if err != nil {
			failed = append(failed, models.FailedQuery{Index: i, Label: q.Label, Err: err})
		}
	}

	if len(failed) > 0 {
		kind := models.FailureQueryFailed
		if deadlineHit {
			kind = models.FailureTickDeadline
		}
		return models.Failed(kind, failed)
	}

	row := make(models.SampleRow, n)
	for i, q := range queries {
		row[i] = models.Sample{Label: q.Label, Value: values[i]}
	}
	return models.Success(row)
}

// Close stops the workers after in-flight queries finish
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.jobs)
		e.wg.Wait()
	})
}
