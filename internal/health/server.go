package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taniwha3/rrdpoll/internal/scheduler"
	"github.com/taniwha3/rrdpoll/internal/storage"
)

// DefaultSeriesRange is the window served when start is omitted
const DefaultSeriesRange = time.Hour

// StatsProvider reports scheduler progress
type StatsProvider interface {
	Stats() scheduler.Stats
}

// SeriesReader reads stored rows back
type SeriesReader interface {
	Fetch(ctx context.Context, path string, start, end time.Time) (*storage.Series, error)
}

// ServerConfig wires the HTTP endpoints to the running poller. Nil
// providers leave their endpoints unregistered.
type ServerConfig struct {
	Checker   *Checker
	Gatherer  prometheus.Gatherer
	Stats     StatsProvider
	Series    SeriesReader
	StorePath string
	Logger    *slog.Logger
}

// Server serves health probes, metrics and read-only store access
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
}

// ErrorResponse is the body of every non-2xx API answer
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}

// SeriesResponse is the JSON form of a fetched range. Unknown values are null.
type SeriesResponse struct {
	Start   int64                 `json:"start"`
	End     int64                 `json:"end"`
	Times   []int64               `json:"times"`
	Columns []string              `json:"columns"`
	Values  map[string][]*float64 `json:"values"`
}

// NewServer builds the router
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, router: r}

	r.GET("/health", s.handleHealth)
	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", s.handleReady)

	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		if cfg.Stats != nil {
			api.GET("/status", s.handleStatus)
		}
		if cfg.Series != nil {
			api.GET("/series", s.handleSeries)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not found")
	})

	return s
}

// Handler returns the router as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func respondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ErrorResponse{Error: message, StatusCode: statusCode})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.cfg.Checker.GetReport()

	code := http.StatusOK
	if report.Status == StatusError {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	report := s.cfg.Checker.GetReport()
	if report.Status == StatusOK {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":         "not_ready",
		"message":        "poller is not in OK state",
		"current_status": string(report.Status),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Stats.Stats())
}

func (s *Server) handleSeries(c *gin.Context) {
	end := time.Now()
	if v := c.Query("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		end = t
	}
	start := end.Add(-DefaultSeriesRange)
	if v := c.Query("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		start = t
	}
	if start.After(end) {
		respondError(c, http.StatusBadRequest, "start is after end")
		return
	}

	series, err := s.cfg.Series.Fetch(c.Request.Context(), s.cfg.StorePath, start, end)
	if err != nil {
		s.cfg.Logger.Warn("Series request failed",
			slog.String("store", s.cfg.StorePath),
			slog.String("error", err.Error()))
		code := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotCreated) {
			code = http.StatusNotFound
		}
		respondError(c, code, err.Error())
		return
	}

	c.JSON(http.StatusOK, toSeriesResponse(series, start, end))
}

func toSeriesResponse(series *storage.Series, start, end time.Time) SeriesResponse {
	resp := SeriesResponse{
		Start:   start.Unix(),
		End:     end.Unix(),
		Times:   make([]int64, len(series.Times)),
		Columns: make([]string, len(series.Columns)),
		Values:  make(map[string][]*float64, len(series.Columns)),
	}
	for i, t := range series.Times {
		resp.Times[i] = t.Unix()
	}
	for ci, col := range series.Columns {
		resp.Columns[ci] = col.Label
		values := make([]*float64, len(series.Values[ci]))
		for i, v := range series.Values[ci] {
			if math.IsNaN(v) {
				continue
			}
			v := v
			values[i] = &v
		}
		resp.Values[col.Label] = values
	}
	return resp
}

// parseTime accepts unix seconds or RFC 3339
func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want unix seconds or RFC 3339, got %q", v)
	}
	return t, nil
}

// Start serves on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
