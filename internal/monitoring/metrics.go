package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/taniwha3/rrdpoll/internal/collector"
	"github.com/taniwha3/rrdpoll/internal/engine"
	"github.com/taniwha3/rrdpoll/internal/scheduler"
)

const namespace = "rrdpoll"

// Tick results used as the "result" label
const (
	ResultOK          = "ok"
	ResultStoreFailed = "store_failed"
)

// Metrics holds the poller's own counters on a private registry
type Metrics struct {
	registry *prometheus.Registry

	ticks          *prometheus.CounterVec
	queryFailures  *prometheus.CounterVec
	parseDefaulted *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	rowsWritten    prometheus.Counter
	storeBytes     prometheus.Gauge
	processRSS     prometheus.Gauge
	processCPU     prometheus.Gauge

	proc *process.Process
}

// NewMetrics creates and registers the poller metrics
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Collection ticks by result.",
		}, []string{"result"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Queries that failed or were abandoned, by metric label.",
		}, []string{"label"}),
		parseDefaulted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_defaulted_total",
			Help:      "Responses that could not be read as integers and were stored as 0, by metric label.",
		}, []string{"label"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time to collect and store one row.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows appended to the store.",
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "Size of the store database.",
		}),
		processRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_resident_memory_bytes",
			Help:      "Resident memory of the poller process.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "CPU use of the poller process since the previous sample.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ticks, m.queryFailures, m.parseDefaulted, m.tickDuration,
		m.rowsWritten, m.storeBytes, m.processRSS, m.processCPU,
		collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	m.proc = proc

	return m, nil
}

// Registry returns the registry to serve
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordParseDefaulted counts a response coerced to the default value
func (m *Metrics) RecordParseDefaulted(label string) {
	m.parseDefaulted.WithLabelValues(label).Inc()
}

// TickFinished records the result of one tick
func (m *Metrics) TickFinished(r scheduler.TickReport) {
	m.tickDuration.Observe(r.Duration.Seconds())

	switch {
	case r.Stored:
		m.ticks.WithLabelValues(ResultOK).Inc()
		m.rowsWritten.Inc()
	case r.StoreErr != nil:
		m.ticks.WithLabelValues(ResultStoreFailed).Inc()
	case !r.Outcome.OK():
		failure := r.Outcome.Failure()
		m.ticks.WithLabelValues(string(failure.Kind)).Inc()
		for _, fq := range failure.Failed {
			// Queries stopped by the engine shutting down are not the agent's fault
			if errors.Is(fq.Err, engine.ErrClosed) {
				continue
			}
			m.queryFailures.WithLabelValues(fq.Label).Inc()
		}
	}
}

// UpdateStoreSize sets the store size gauge
func (m *Metrics) UpdateStoreSize(bytes int64) {
	m.storeBytes.Set(float64(bytes))
}

// UpdateProcessStats samples memory and CPU of the running process
func (m *Metrics) UpdateProcessStats(ctx context.Context) error {
	mem, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read process memory: %w", err)
	}
	m.processRSS.Set(float64(mem.RSS))

	cpu, err := m.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to read process cpu: %w", err)
	}
	m.processCPU.Set(cpu)
	return nil
}

// StoreSizer reports the size of a store
type StoreSizer interface {
	DBSize(ctx context.Context, path string) (int64, error)
}

// Run samples process and store statistics every interval until ctx is done
func (m *Metrics) Run(ctx context.Context, interval time.Duration, sizer StoreSizer, storePath string, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func() {
		if err := m.UpdateProcessStats(ctx); err != nil {
			logger.Debug("Failed to sample process stats", slog.String("error", err.Error()))
		}
		if sizer != nil {
			size, err := sizer.DBSize(ctx, storePath)
			if err != nil {
				logger.Debug("Failed to read store size", slog.String("error", err.Error()))
				return
			}
			m.UpdateStoreSize(size)
		}
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

var (
	_ collector.ParseObserver = (*Metrics)(nil)
	_ scheduler.Observer      = (*Metrics)(nil)
)

