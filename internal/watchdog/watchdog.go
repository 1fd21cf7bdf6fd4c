package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/taniwha3/rrdpoll/internal/scheduler"
)

// Pinger talks to systemd: READY once the store exists, a STATUS line after
// every tick, periodic WATCHDOG keepalives and STOPPING on shutdown.
type Pinger struct {
	enabled  bool // watchdog keepalives
	notify   bool // NOTIFY_SOCKET present
	interval time.Duration
	logger   *slog.Logger
	send     func(state string) (bool, error)

	rows   atomic.Uint64
	failed atomic.Uint64
}

// NewPinger creates a new pinger
// It automatically detects if running under systemd with watchdog enabled
func NewPinger(logger *slog.Logger) *Pinger {
	p := &Pinger{
		notify: os.Getenv("NOTIFY_SOCKET") != "",
		logger: logger,
		send:   sdNotify,
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		logger.Info("systemd watchdog not enabled, skipping watchdog notifications")
		return p
	}

	// Ping at half the watchdog interval for safety margin
	p.enabled = true
	p.interval = interval / 2

	logger.Info("systemd watchdog enabled",
		"watchdog_timeout", interval,
		"ping_interval", p.interval,
	)
	return p
}

func sdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Start begins the watchdog ping routine
// It runs until the context is cancelled
// Note: Does NOT send READY notification - the scheduler calls NotifyReady once the store is created
func (p *Pinger) Start(ctx context.Context) {
	if !p.enabled {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("watchdog pinger stopped")
			return

		case <-ticker.C:
			sent, err := p.send(daemon.SdNotifyWatchdog)
			if err != nil {
				p.logger.Error("failed to send watchdog ping", "error", err)
			} else if sent {
				p.logger.Debug("watchdog ping sent")
			}
		}
	}
}

// NotifyReady sends a ready notification to systemd
func (p *Pinger) NotifyReady() {
	if !p.notify {
		return
	}

	sent, err := p.send(daemon.SdNotifyReady)
	if err != nil {
		p.logger.Error("failed to notify systemd ready", "error", err)
	} else if sent {
		p.logger.Info("notified systemd: service ready")
	}
}

// NotifyStopping sends a stopping notification to systemd
func (p *Pinger) NotifyStopping() {
	if !p.notify {
		return
	}

	sent, err := p.send(daemon.SdNotifyStopping)
	if err != nil {
		p.logger.Error("failed to notify systemd stopping", "error", err)
	} else if sent {
		p.logger.Info("notified systemd: service stopping")
	}
}

// TickFinished publishes a one-line status, shown by systemctl status
func (p *Pinger) TickFinished(r scheduler.TickReport) {
	if r.Stored {
		p.rows.Add(1)
	} else {
		p.failed.Add(1)
	}
	if !p.notify {
		return
	}

	if _, err := p.send("STATUS=" + p.statusLine(r)); err != nil {
		p.logger.Debug("failed to send status", "error", err)
	}
}

func (p *Pinger) statusLine(r scheduler.TickReport) string {
	last := "ok"
	switch {
	case r.StoreErr != nil:
		last = "store failed"
	case !r.Outcome.OK():
		last = string(r.Outcome.Failure().Kind)
	}
	return fmt.Sprintf("tick %d: %s, %d rows, %d failed ticks", r.Seq, last, p.rows.Load(), p.failed.Load())
}

// IsEnabled returns whether watchdog is enabled
func (p *Pinger) IsEnabled() bool {
	return p.enabled
}

// GetInterval returns the ping interval
func (p *Pinger) GetInterval() time.Duration {
	return p.interval
}

// IsRunningUnderSystemd checks if the process is running under systemd
func IsRunningUnderSystemd() bool {
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	// Set by systemd for all service units
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	return false
}

var (
	_ scheduler.Notifier = (*Pinger)(nil)
	_ scheduler.Observer = (*Pinger)(nil)
)
