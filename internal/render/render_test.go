package render

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taniwha3/rrdpoll/internal/models"
	"github.com/taniwha3/rrdpoll/internal/storage"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type stubFetcher struct {
	series *storage.Series
	err    error
	path   string
}

func (f *stubFetcher) Fetch(ctx context.Context, path string, start, end time.Time) (*storage.Series, error) {
	f.path = path
	return f.series, f.err
}

func testSeries(start time.Time) *storage.Series {
	s := &storage.Series{
		Columns: []models.Column{
			{Label: "A", DSType: models.DSTypeGauge},
			{Label: "B", DSType: models.DSTypeCounter},
		},
		Values: [][]float64{{}, {}},
	}
	for i := 0; i < 10; i++ {
		s.Times = append(s.Times, start.Add(time.Duration(i)*5*time.Second))
		s.Values[0] = append(s.Values[0], float64(i*i))
		b := float64(1000 * i)
		if i == 4 || i == 5 {
			b = math.NaN()
		}
		s.Values[1] = append(s.Values[1], b)
	}
	return s
}

func newTestRenderer(f Fetcher) *PlotRenderer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPlotRenderer(f, Options{Width: 400, Height: 200, Title: "test", Logger: logger})
}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read chart: %v", err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Errorf("Chart is not a PNG (first bytes %x)", data[:min(len(data), 8)])
	}
}

func TestRender_WritesPNG(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	f := &stubFetcher{series: testSeries(start)}
	r := newTestRenderer(f)

	out := filepath.Join(t.TempDir(), "poll.graph.png")
	defs := []models.SeriesDef{{Label: "A"}, {Label: "B", Transform: "8,*"}}
	if err := r.Render(context.Background(), out, "poll.db", start, start.Add(time.Minute), defs); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if f.path != "poll.db" {
		t.Errorf("Expected fetch from poll.db, got %s", f.path)
	}
	assertPNG(t, out)

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Errorf("Expected only the chart in output dir, found %d entries", len(entries))
	}
}

func TestRender_EmptyRange(t *testing.T) {
	start := time.Now()
	f := &stubFetcher{series: &storage.Series{
		Columns: []models.Column{{Label: "A", DSType: models.DSTypeGauge}},
		Values:  [][]float64{nil},
	}}
	r := newTestRenderer(f)

	out := filepath.Join(t.TempDir(), "empty.png")
	if err := r.Render(context.Background(), out, "x.db", start, start, []models.SeriesDef{{Label: "A"}}); err != nil {
		t.Fatalf("Render of empty range failed: %v", err)
	}
	assertPNG(t, out)
}

func TestRender_Errors(t *testing.T) {
	start := time.Now()
	fetchErr := errors.New("store locked")

	tests := []struct {
		name    string
		fetcher *stubFetcher
		defs    []models.SeriesDef
	}{
		{"fetch error", &stubFetcher{err: fetchErr}, []models.SeriesDef{{Label: "A"}}},
		{"unknown series", &stubFetcher{series: testSeries(start)}, []models.SeriesDef{{Label: "Z"}}},
		{"bad transform", &stubFetcher{series: testSeries(start)}, []models.SeriesDef{{Label: "A", Transform: "*"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out.png")
			err := newTestRenderer(tt.fetcher).Render(context.Background(), out, "x.db", start, start.Add(time.Minute), tt.defs)
			if err == nil {
				t.Fatal("Expected error")
			}
			if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
				t.Error("Failed render must not leave a chart")
			}
		})
	}

	err := newTestRenderer(&stubFetcher{err: fetchErr}).Render(context.Background(), filepath.Join(t.TempDir(), "o.png"), "x.db", start, start, nil)
	if !errors.Is(err, fetchErr) {
		t.Errorf("Expected wrapped fetch error, got %v", err)
	}
}

func TestSegments(t *testing.T) {
	base := time.Unix(1000, 0)
	times := make([]time.Time, 7)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Second)
	}
	nan := math.NaN()

	segs := segments(times, []float64{nan, 1, 2, nan, nan, 3, 4})
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}
	if len(segs[0]) != 2 || segs[0][0].X != 1001 || segs[0][1].Y != 2 {
		t.Errorf("Unexpected first segment: %v", segs[0])
	}
	if len(segs[1]) != 2 || segs[1][0].X != 1005 {
		t.Errorf("Unexpected second segment: %v", segs[1])
	}

	if got := segments(times[:2], []float64{nan, nan}); len(got) != 0 {
		t.Errorf("Expected no segments for all-unknown series, got %v", got)
	}
}

func TestPlainTicks(t *testing.T) {
	for _, tick := range (plainTicks{}).Ticks(0, 5e9) {
		if bytes.ContainsAny([]byte(tick.Label), "eE") {
			t.Errorf("Tick label %q uses exponent notation", tick.Label)
		}
	}
}

func TestValidateDefs(t *testing.T) {
	if err := ValidateDefs([]models.SeriesDef{{Label: "a"}, {Label: "b", Transform: "8,*"}}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := ValidateDefs([]models.SeriesDef{{Label: "bad", Transform: "8,FOO"}}); err == nil {
		t.Error("Expected error for unknown token")
	}

	crossSeries := []models.SeriesDef{
		{Label: "in", Transform: "8,*"},
		{Label: "out", Transform: "def_in,+"},
		{Label: "err", Transform: "0,LT,0,8,IF"},
	}
	if err := ValidateDefs(crossSeries); err != nil {
		t.Errorf("Unexpected error for cross-series transforms: %v", err)
	}

	err := ValidateDefs([]models.SeriesDef{{Label: "out", Transform: "def_in,+"}})
	if err == nil || !strings.Contains(err.Error(), "unknown series in") {
		t.Errorf("Expected unknown series error, got %v", err)
	}
}

func TestRender_CrossSeriesTransform(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	f := &stubFetcher{series: testSeries(start)}
	r := newTestRenderer(f)

	out := filepath.Join(t.TempDir(), "sum.png")
	defs := []models.SeriesDef{{Label: "A"}, {Label: "B", Transform: "def_A,+,0,GT,def_B,UNKN,IF"}}
	if err := r.Render(context.Background(), out, "poll.db", start, start.Add(time.Minute), defs); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	assertPNG(t, out)

	// Reading a column the store does not have fails the render
	bad := filepath.Join(t.TempDir(), "bad.png")
	defs = []models.SeriesDef{{Label: "A", Transform: "def_Z,+"}}
	if err := r.Render(context.Background(), bad, "poll.db", start, start.Add(time.Minute), defs); err == nil {
		t.Error("Expected error for reference to a missing column")
	}
}
