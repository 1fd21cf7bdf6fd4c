package render

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/taniwha3/rrdpoll/internal/models"
	"github.com/taniwha3/rrdpoll/internal/storage"
)

// Fetcher reads stored rows for a time range
type Fetcher interface {
	Fetch(ctx context.Context, path string, start, end time.Time) (*storage.Series, error)
}

// Options controls the chart layout
type Options struct {
	Width  int    // pixels (default 800)
	Height int    // pixels (default 300)
	Title  string // chart title, empty for none
	Logger *slog.Logger
}

// PlotRenderer draws stored series to a PNG
type PlotRenderer struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
}

// NewPlotRenderer creates a renderer reading from fetcher
func NewPlotRenderer(fetcher Fetcher, opts Options) *PlotRenderer {
	if opts.Width <= 0 {
		opts.Width = 800
	}
	if opts.Height <= 0 {
		opts.Height = 300
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PlotRenderer{fetcher: fetcher, opts: opts, logger: logger}
}

// ValidateDefs compiles every transform so bad expressions surface before
// polling. Series references must name a label in defs.
func ValidateDefs(defs []models.SeriesDef) error {
	labels := make(map[string]bool, len(defs))
	for _, d := range defs {
		labels[d.Label] = true
	}
	for _, d := range defs {
		expr, err := ParseExpr(d.Transform)
		if err != nil {
			return fmt.Errorf("metric %s: %w", d.Label, err)
		}
		for _, ref := range expr.Refs() {
			if !labels[ref] {
				return fmt.Errorf("metric %s: transform %q reads unknown series %s", d.Label, d.Transform, ref)
			}
		}
	}
	return nil
}

// Render writes a chart of [start, end] to outputPath, one line per def
func (r *PlotRenderer) Render(ctx context.Context, outputPath, storePath string, start, end time.Time, defs []models.SeriesDef) error {
	series, err := r.fetcher.Fetch(ctx, storePath, start, end)
	if err != nil {
		return fmt.Errorf("failed to read series: %w", err)
	}

	p, err := r.build(series, start, end, defs)
	if err != nil {
		return err
	}

	w := pixels(r.opts.Width)
	h := pixels(r.opts.Height)
	writer, err := p.WriterTo(w, h, "png")
	if err != nil {
		return fmt.Errorf("failed to create canvas: %w", err)
	}

	// Write to a temp file in the same directory, then rename
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".graph-*.png")
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := writer.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chart: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close chart file: %w", err)
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed to move chart into place: %w", err)
	}

	r.logger.Info("Chart rendered",
		slog.String("path", outputPath),
		slog.Int("series", len(defs)),
		slog.Int("rows", len(series.Times)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return nil
}

func (r *PlotRenderer) build(series *storage.Series, start, end time.Time, defs []models.SeriesDef) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = r.opts.Title
	p.X.Label.Text = "time"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05", Time: plot.UnixTimeIn(time.Local)}
	p.Y.Tick.Marker = plainTicks{}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	p.X.Min = float64(start.Unix())
	p.X.Max = float64(end.Unix())
	if p.X.Max <= p.X.Min {
		p.X.Max = p.X.Min + 1
	}

	drawn := false
	for i, def := range defs {
		expr, err := ParseExpr(def.Transform)
		if err != nil {
			return nil, err
		}
		values, err := expr.Apply(series, def.Label)
		if err != nil {
			return nil, err
		}

		style := draw.LineStyle{
			Color: plotutil.Color(i),
			Width: vg.Points(float64(i + 1)),
		}

		for _, seg := range segments(series.Times, values) {
			line, err := plotter.NewLine(seg)
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", def.Label, err)
			}
			line.LineStyle = style
			p.Add(line)
			drawn = true
		}
		p.Legend.Add(def.Label, &plotter.Line{LineStyle: style})
	}

	if !drawn {
		p.Y.Min, p.Y.Max = 0, 1
	}
	return p, nil
}

// segments splits a series at unknown values so gaps stay visible
func segments(times []time.Time, values []float64) []plotter.XYs {
	var out []plotter.XYs
	var cur plotter.XYs
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: float64(times[i].Unix()), Y: v})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// plainTicks labels the value axis without SI prefixes or exponents
type plainTicks struct{}

func (plainTicks) Ticks(min, max float64) []plot.Tick {
	ticks := plot.DefaultTicks{}.Ticks(min, max)
	for i, t := range ticks {
		if t.Label != "" {
			ticks[i].Label = strconv.FormatFloat(t.Value, 'f', -1, 64)
		}
	}
	return ticks
}

func pixels(px int) vg.Length {
	return vg.Length(px) * vg.Inch / 96
}
