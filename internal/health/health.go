package health

import (
	"sync"
	"time"

	"github.com/taniwha3/rrdpoll/internal/scheduler"
)

// Status represents the overall health status
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Component names
const (
	ComponentCollector = "collector"
	ComponentStorage   = "storage"
	ComponentScheduler = "scheduler"
)

// ComponentStatus represents the health of a single component
type ComponentStatus struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the complete health status of the poller
type HealthReport struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Uptime     float64                    `json:"uptime_seconds"`
}

// Thresholds defines when a quiet scheduler becomes unhealthy
type Thresholds struct {
	// No stored row for this long is degraded
	StaleDegraded time.Duration `json:"stale_degraded"`
	// No stored row for this long is an error
	StaleError time.Duration `json:"stale_error"`
}

// ThresholdsFromInterval derives thresholds from the poll interval:
// degraded after 3 intervals without a row, error after 10.
func ThresholdsFromInterval(interval time.Duration) Thresholds {
	if interval < time.Second {
		interval = time.Second
	}
	return Thresholds{
		StaleDegraded: 3 * interval,
		StaleError:    10 * interval,
	}
}

// Checker is the main health monitoring service. It implements
// scheduler.Observer so each finished tick updates the components.
type Checker struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	lastStored time.Time
	thresholds Thresholds
	queries    int
	now        func() time.Time
}

// NewChecker creates a health checker for a poller running queries metrics
func NewChecker(thresholds Thresholds, queries int) *Checker {
	c := &Checker{
		components: make(map[string]ComponentStatus),
		thresholds: thresholds,
		queries:    queries,
		now:        time.Now,
	}
	c.startTime = c.now()
	return c
}

// UpdateComponent updates the status of a specific component
func (c *Checker) UpdateComponent(name string, status ComponentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status.Timestamp = c.now()
	c.components[name] = status
}

// UpdateCollectorStatus records how many queries of the last tick failed
func (c *Checker) UpdateCollectorStatus(failed int, err error) {
	status := ComponentStatus{
		Details: map[string]interface{}{
			"queries": c.queries,
			"failed":  failed,
		},
	}

	switch {
	case err == nil:
		status.Status = StatusOK
		status.Message = "collecting metrics"
	case c.queries > 0 && failed >= c.queries:
		status.Status = StatusError
		status.Message = err.Error()
	default:
		status.Status = StatusDegraded
		status.Message = err.Error()
	}

	c.UpdateComponent(ComponentCollector, status)
}

// UpdateStorageStatus records the result of the last append
func (c *Checker) UpdateStorageStatus(stored bool, err error) {
	status := ComponentStatus{
		Status:  StatusOK,
		Message: "storage operational",
	}
	if err != nil {
		status.Status = StatusError
		status.Message = err.Error()
	}

	c.mu.Lock()
	if stored {
		c.lastStored = c.now()
	}
	c.mu.Unlock()

	c.UpdateComponent(ComponentStorage, status)
}

// TickFinished updates collector and storage from a tick report
func (c *Checker) TickFinished(r scheduler.TickReport) {
	if failure := r.Outcome.Failure(); failure != nil {
		c.UpdateCollectorStatus(len(failure.Failed), failure)
		return
	}
	c.UpdateCollectorStatus(0, nil)
	c.UpdateStorageStatus(r.Stored, r.StoreErr)
}

// schedulerStatus reports staleness at the time of the report, so a
// stalled poller is noticed even though nothing updates the checker.
func (c *Checker) schedulerStatus(now time.Time) ComponentStatus {
	since := c.startTime
	if !c.lastStored.IsZero() {
		since = c.lastStored
	}
	idle := now.Sub(since)

	status := ComponentStatus{
		Status:    StatusOK,
		Message:   "storing rows",
		Timestamp: now,
		Details: map[string]interface{}{
			"seconds_since_row": int64(idle.Seconds()),
		},
	}
	if !c.lastStored.IsZero() {
		status.Details["last_row"] = c.lastStored.Format(time.RFC3339)
	}

	switch {
	case c.thresholds.StaleError > 0 && idle > c.thresholds.StaleError:
		status.Status = StatusError
		status.Message = "no row stored within 10× interval"
	case c.thresholds.StaleDegraded > 0 && idle > c.thresholds.StaleDegraded:
		status.Status = StatusDegraded
		status.Message = "no row stored within 3× interval"
	}
	return status
}

// GetReport generates a complete health report
func (c *Checker) GetReport() HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	components := make(map[string]ComponentStatus, len(c.components)+1)
	for k, v := range c.components {
		components[k] = v
	}
	components[ComponentScheduler] = c.schedulerStatus(now)

	return HealthReport{
		Status:     calculateOverallStatus(components),
		Timestamp:  now,
		Components: components,
		Uptime:     now.Sub(c.startTime).Seconds(),
	}
}

// calculateOverallStatus determines the overall status from component statuses.
// Storage or scheduler errors are fatal to the poller; a collector that fails
// every query is too, partial failures only degrade.
func calculateOverallStatus(components map[string]ComponentStatus) Status {
	hasDegraded := false
	for _, component := range components {
		switch component.Status {
		case StatusError:
			return StatusError
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusOK
}

var _ scheduler.Observer = (*Checker)(nil)
