package collector

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/taniwha3/rrdpoll/internal/models"
)

// stubQuerier returns a fixed value or error per label
type stubQuerier struct {
	values map[string]any
	errs   map[string]error
}

func (s *stubQuerier) Get(ctx context.Context, q models.MetricQuery) (any, error) {
	if err, ok := s.errs[q.Label]; ok {
		return nil, err
	}
	return s.values[q.Label], nil
}

// countingObserver records parse-default events
type countingObserver struct {
	mu     sync.Mutex
	labels []string
}

func (o *countingObserver) RecordParseDefaulted(label string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.labels = append(o.labels, label)
}

func query(label string) models.MetricQuery {
	return models.MetricQuery{
		Target:     "192.0.2.10",
		Credential: "public",
		MetricID:   "1.3.6.1.2.1.1.3.0",
		DSType:     models.DSTypeGauge,
		Label:      label,
	}
}

func TestQueryCollector_Values(t *testing.T) {
	q := &stubQuerier{values: map[string]any{
		"int":     42,
		"uint":    uint(7),
		"counter": uint64(123456789),
		"bytes":   []byte("  1500 \n"),
		"string":  "-12",
	}}
	c := NewQueryCollector(q, nil)

	want := map[string]int64{
		"int":     42,
		"uint":    7,
		"counter": 123456789,
		"bytes":   1500,
		"string":  -12,
	}

	for label, expected := range want {
		got, err := c.Collect(context.Background(), query(label))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", label, err)
			continue
		}
		if got != expected {
			t.Errorf("%s: expected %d, got %d", label, expected, got)
		}
	}
}

func TestQueryCollector_GarbageDefaultsToZero(t *testing.T) {
	q := &stubQuerier{values: map[string]any{
		"text":     []byte("not a number"),
		"float":    "12.5",
		"hex":      "0x10",
		"empty":    "",
		"nosuch":   nil,
		"floatval": 3.14,
	}}
	obs := &countingObserver{}
	c := NewQueryCollector(q, obs)

	for label := range q.values {
		got, err := c.Collect(context.Background(), query(label))
		if err != nil {
			t.Errorf("%s: parse failures must not be errors, got %v", label, err)
		}
		if got != 0 {
			t.Errorf("%s: expected 0, got %d", label, got)
		}
	}

	if len(obs.labels) != len(q.values) {
		t.Errorf("Expected %d parse-default events, got %d", len(q.values), len(obs.labels))
	}
}

func TestQueryCollector_TransportErrorIsQueryFailed(t *testing.T) {
	q := &stubQuerier{errs: map[string]error{"down": errors.New("request timeout")}}
	obs := &countingObserver{}
	c := NewQueryCollector(q, obs)

	_, err := c.Collect(context.Background(), query("down"))
	if err == nil {
		t.Fatal("Expected error for transport failure")
	}
	if !errors.Is(err, ErrQueryFailed) {
		t.Errorf("Expected ErrQueryFailed, got %v", err)
	}

	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("Expected *QueryError, got %T", err)
	}
	if qe.Target != "192.0.2.10" || qe.MetricID != "1.3.6.1.2.1.1.3.0" {
		t.Errorf("QueryError missing target/oid: %+v", qe)
	}
	if len(obs.labels) != 0 {
		t.Error("Transport errors must not count as parse defaults")
	}
}

func TestQueryCollector_ContextErrorWrapped(t *testing.T) {
	q := &stubQuerier{errs: map[string]error{"slow": errors.New("read: i/o timeout")}}
	c := NewQueryCollector(q, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := c.Collect(ctx, query("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wrapped deadline error, got %v", err)
	}
	if !errors.Is(err, ErrQueryFailed) {
		t.Errorf("Expected ErrQueryFailed, got %v", err)
	}
}

func TestQueryCollector_Deterministic(t *testing.T) {
	q := &stubQuerier{values: map[string]any{"stable": uint(991)}}
	c := NewQueryCollector(q, nil)

	first, err := c.Collect(context.Background(), query("stable"))
	if err != nil {
		t.Fatalf("First collect failed: %v", err)
	}
	second, err := c.Collect(context.Background(), query("stable"))
	if err != nil {
		t.Fatalf("Second collect failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected identical results, got %d and %d", first, second)
	}
}

func TestPDUValue(t *testing.T) {
	tests := []struct {
		name string
		pdu  gosnmp.SnmpPDU
		want any
	}{
		{"counter32", gosnmp.SnmpPDU{Type: gosnmp.Counter32, Value: uint(1234)}, uint(1234)},
		{"counter64", gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, uint64(1 << 40)},
		{"integer", gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: -7}, -7},
		{"timeticks", gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(99)}, uint32(99)},
		{"no such object", gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}, nil},
		{"no such instance", gosnmp.SnmpPDU{Type: gosnmp.NoSuchInstance}, nil},
		{"end of mib", gosnmp.SnmpPDU{Type: gosnmp.EndOfMibView}, nil},
		{"null", gosnmp.SnmpPDU{Type: gosnmp.Null}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pduValue(tt.pdu); got != tt.want {
				t.Errorf("Expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestQueryCollector_MissingObjectDefaultsToZero(t *testing.T) {
	obs := &countingObserver{}
	q := &stubQuerier{values: map[string]any{
		"ifInOctets_99": pduValue(gosnmp.SnmpPDU{Type: gosnmp.NoSuchInstance}),
	}}
	c := NewQueryCollector(q, obs)

	v, err := c.Collect(context.Background(), query("ifInOctets_99"))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if v != 0 {
		t.Errorf("Expected 0 for a missing object, got %d", v)
	}
	if len(obs.labels) != 1 || obs.labels[0] != "ifInOctets_99" {
		t.Errorf("Expected missing object counted as parse-defaulted, got %v", obs.labels)
	}
}

func TestSNMPQuerier_UnreachableAgent(t *testing.T) {
	// Bind then release a UDP port so nothing answers on it
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	c := NewQueryCollector(NewSNMPQuerier(), nil)
	q := query("down")
	q.Target = addr

	start := time.Now()
	_, err = c.Collect(ctx, q)
	if err == nil {
		t.Fatal("Expected error from unreachable agent")
	}
	if !errors.Is(err, ErrQueryFailed) {
		t.Errorf("Expected ErrQueryFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Query ignored its deadline: took %v", elapsed)
	}
}
