package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/taniwha3/rrdpoll/internal/models"
	"github.com/taniwha3/rrdpoll/internal/scheduler"
)

// recorder captures notifications instead of writing to the systemd socket
type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return r.err == nil, r.err
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPinger_NoSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	t.Setenv("NOTIFY_SOCKET", "")

	pinger := NewPinger(testLogger())

	if pinger.IsEnabled() {
		t.Error("Expected watchdog to be disabled without systemd")
	}
	if pinger.notify {
		t.Error("Expected notifications to be disabled without NOTIFY_SOCKET")
	}
}

func TestNewPinger_Watchdog(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "20000000")
	t.Setenv("WATCHDOG_PID", "")
	t.Setenv("NOTIFY_SOCKET", "/run/systemd/notify")

	pinger := NewPinger(testLogger())

	if !pinger.IsEnabled() {
		t.Fatal("Expected watchdog to be enabled")
	}
	if pinger.GetInterval() != 10*time.Second {
		t.Errorf("Expected ping interval 10s, got %v", pinger.GetInterval())
	}
}

func TestPinger_Start_NoSystemd(t *testing.T) {
	pinger := &Pinger{logger: testLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Should return immediately
	pinger.Start(ctx)
}

func TestPinger_StartPings(t *testing.T) {
	rec := &recorder{}
	pinger := &Pinger{
		enabled:  true,
		interval: 10 * time.Millisecond,
		logger:   testLogger(),
		send:     rec.send,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pinger.Start(ctx)

	states := rec.sent()
	if len(states) == 0 {
		t.Fatal("Expected at least one watchdog ping")
	}
	for _, s := range states {
		if s != daemon.SdNotifyWatchdog {
			t.Errorf("Expected only watchdog pings, got %q", s)
		}
	}
}

func TestPinger_ReadyAndStopping(t *testing.T) {
	rec := &recorder{}
	pinger := &Pinger{notify: true, logger: testLogger(), send: rec.send}

	pinger.NotifyReady()
	pinger.NotifyStopping()

	states := rec.sent()
	if len(states) != 2 || states[0] != daemon.SdNotifyReady || states[1] != daemon.SdNotifyStopping {
		t.Errorf("Expected READY then STOPPING, got %v", states)
	}
}

func TestPinger_Disabled(t *testing.T) {
	rec := &recorder{}
	pinger := &Pinger{logger: testLogger(), send: rec.send}

	pinger.NotifyReady()
	pinger.TickFinished(scheduler.TickReport{Seq: 1, Stored: true})
	pinger.NotifyStopping()

	if got := rec.sent(); len(got) != 0 {
		t.Errorf("Expected nothing sent without NOTIFY_SOCKET, got %v", got)
	}
}

func TestPinger_NotifyError(t *testing.T) {
	rec := &recorder{err: errors.New("socket gone")}
	pinger := &Pinger{notify: true, logger: testLogger(), send: rec.send}

	// Errors are logged, not returned
	pinger.NotifyReady()
	pinger.TickFinished(scheduler.TickReport{Seq: 1, Stored: true})
	pinger.NotifyStopping()

	if got := len(rec.sent()); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestPinger_TickStatus(t *testing.T) {
	rec := &recorder{}
	pinger := &Pinger{notify: true, logger: testLogger(), send: rec.send}

	pinger.TickFinished(scheduler.TickReport{
		Seq:     1,
		Outcome: models.Success(models.SampleRow{{Label: "A", Value: 1}}),
		Stored:  true,
	})
	pinger.TickFinished(scheduler.TickReport{
		Seq: 2,
		Outcome: models.Failed(models.FailureQueryFailed, []models.FailedQuery{
			{Label: "A", Err: errors.New("timeout")},
		}),
	})
	pinger.TickFinished(scheduler.TickReport{
		Seq:      3,
		Outcome:  models.Success(models.SampleRow{{Label: "A", Value: 2}}),
		StoreErr: errors.New("illegal update"),
	})

	want := []string{
		"STATUS=tick 1: ok, 1 rows, 0 failed ticks",
		"STATUS=tick 2: query_failed, 1 rows, 1 failed ticks",
		"STATUS=tick 3: store failed, 1 rows, 2 failed ticks",
	}
	got := rec.sent()
	if len(got) != len(want) {
		t.Fatalf("Expected %d status lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Line %d: expected %q, got %q", i, want[i], got[i])
		}
		if !strings.HasPrefix(got[i], "STATUS=") {
			t.Errorf("Expected STATUS= prefix, got %q", got[i])
		}
	}
}

func TestIsRunningUnderSystemd(t *testing.T) {
	tests := []struct {
		name         string
		notifySocket string
		invocationID string
		want         bool
	}{
		{"no systemd", "", "", false},
		{"notify socket", "/run/systemd/notify", "", true},
		{"invocation id", "", "abc123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tt.notifySocket)
			t.Setenv("INVOCATION_ID", tt.invocationID)

			if got := IsRunningUnderSystemd(); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
