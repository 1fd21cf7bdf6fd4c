package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/taniwha3/rrdpoll/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultRows is the archive length: one row per step, LAST consolidation
const DefaultRows = 1000

// StorageError reports a rejected store operation
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrNotCreated is returned when a store is used before Create
var ErrNotCreated = errors.New("store not created")

// Options tune newly created stores
type Options struct {
	Rows      int           // archive rows (default DefaultRows)
	Heartbeat time.Duration // max gap between updates before values turn unknown (default max(60s, 2*step))
}

// Info describes an open store
type Info struct {
	Path       string
	Step       time.Duration
	Rows       int
	Heartbeat  time.Duration
	Start      time.Time
	LastUpdate time.Time
	Columns    []models.Column
}

// Series is the data read back for a time range.
// Values[c][i] belongs to Columns[c] at Times[i]; NaN means unknown.
type Series struct {
	Columns []models.Column
	Times   []time.Time
	Values  [][]float64
}

// Column returns the values for a label
func (s *Series) Column(label string) ([]float64, bool) {
	for i, c := range s.Columns {
		if c.Label == label {
			return s.Values[i], true
		}
	}
	return nil, false
}

// RRDStore is a fixed-size round-robin store; each path is its own SQLite file.
// It has a single writer (the scheduler); the mutex only guards the handle map
// and per-store bookkeeping against concurrent readers.
type RRDStore struct {
	mu      sync.Mutex
	opts    Options
	handles map[string]*handle
}

type handle struct {
	db         *sql.DB
	step       int64
	rows       int64
	heartbeat  int64
	start      int64
	lastUpdate int64
	sources    []source
}

type source struct {
	name    string
	dstype  models.DSType
	lastRaw sql.NullInt64
}

// NewRRDStore creates a store manager
func NewRRDStore(opts Options) *RRDStore {
	if opts.Rows <= 0 {
		opts.Rows = DefaultRows
	}
	return &RRDStore{
		opts:    opts,
		handles: make(map[string]*handle),
	}
}

// openDB opens a SQLite file with the tuning used for every store
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; SQLite gains nothing from more connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return db, nil
}

const schema = `
CREATE TABLE rrd_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	step INTEGER NOT NULL,
	rows INTEGER NOT NULL,
	heartbeat INTEGER NOT NULL,
	start INTEGER NOT NULL,
	last_update INTEGER NOT NULL
);

CREATE TABLE data_sources (
	idx INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	dstype TEXT NOT NULL,
	last_raw INTEGER
);

CREATE TABLE rra_rows (
	slot INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL
);

CREATE TABLE rra_values (
	slot INTEGER NOT NULL,
	ds INTEGER NOT NULL,
	value REAL,
	PRIMARY KEY (slot, ds)
);

CREATE INDEX idx_rra_rows_timestamp ON rra_rows(timestamp);
`

// Create makes a new store at path, replacing any existing one.
// The store starts at the current time, like a freshly created round-robin database.
func (s *RRDStore) Create(ctx context.Context, path string, step time.Duration, columns []models.Column) error {
	fail := func(err error) error {
		return &StorageError{Op: "create", Path: path, Err: err}
	}

	stepSec := int64(step / time.Second)
	if stepSec < 1 {
		return fail(fmt.Errorf("step must be at least 1s, got %v", step))
	}
	if len(columns) == 0 {
		return fail(fmt.Errorf("at least one column is required"))
	}

	heartbeat := int64(s.opts.Heartbeat / time.Second)
	if heartbeat <= 0 {
		heartbeat = 60
		if 2*stepSec > heartbeat {
			heartbeat = 2 * stepSec
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[path]; ok {
		h.db.Close()
		delete(s.handles, path)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return fail(fmt.Errorf("failed to remove existing store: %w", err))
		}
	}

	db, err := openDB(path)
	if err != nil {
		return fail(err)
	}

	start := time.Now().Unix()
	h := &handle{
		db:         db,
		step:       stepSec,
		rows:       int64(s.opts.Rows),
		heartbeat:  heartbeat,
		start:      start,
		lastUpdate: start - 1,
	}

	if err := h.init(ctx, columns); err != nil {
		db.Close()
		return fail(err)
	}

	s.handles[path] = h
	return nil
}

func (h *handle) init(ctx context.Context, columns []models.Column) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rrd_meta (id, step, rows, heartbeat, start, last_update) VALUES (1, ?, ?, ?, ?, ?)`,
		h.step, h.rows, h.heartbeat, h.start, h.lastUpdate,
	); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	for i, c := range columns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data_sources (idx, name, dstype) VALUES (?, ?, ?)`,
			i, c.Label, string(c.DSType),
		); err != nil {
			return fmt.Errorf("failed to add data source %s: %w", c.Label, err)
		}
		h.sources = append(h.sources, source{name: c.Label, dstype: c.DSType})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lookup returns the open handle for path, opening an existing store if needed.
// Callers hold s.mu.
func (s *RRDStore) lookup(ctx context.Context, path string) (*handle, error) {
	if h, ok := s.handles[path]; ok {
		return h, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCreated
		}
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	h := &handle{db: db}
	err = db.QueryRowContext(ctx,
		`SELECT step, rows, heartbeat, start, last_update FROM rrd_meta WHERE id = 1`,
	).Scan(&h.step, &h.rows, &h.heartbeat, &h.start, &h.lastUpdate)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotCreated
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name, dstype, last_raw FROM data_sources ORDER BY idx`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read data sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src source
		var dst string
		if err := rows.Scan(&src.name, &dst, &src.lastRaw); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}
		src.dstype = models.DSType(dst)
		h.sources = append(h.sources, src)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error iterating data sources: %w", err)
	}

	s.handles[path] = h
	return h, nil
}

// Append writes one row at ts. Values are in column order.
func (s *RRDStore) Append(ctx context.Context, path string, ts time.Time, values []int64) error {
	fail := func(err error) error {
		return &StorageError{Op: "append", Path: path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookup(ctx, path)
	if err != nil {
		return fail(err)
	}

	now := ts.Unix()
	if now <= h.lastUpdate {
		return fail(fmt.Errorf("illegal update: timestamp %d is not after last update %d", now, h.lastUpdate))
	}
	if len(values) != len(h.sources) {
		return fail(fmt.Errorf("expected %d values, got %d", len(h.sources), len(values)))
	}

	interval := now - h.lastUpdate
	stored := make([]float64, len(values))
	for i, v := range values {
		if interval > h.heartbeat {
			stored[i] = math.NaN()
			continue
		}
		stored[i] = consolidate(h.sources[i], v, interval)
	}

	slot := (now / h.step) % h.rows

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback() // Safe to call even after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO rra_rows (slot, timestamp) VALUES (?, ?)`, slot, now,
	); err != nil {
		return fail(fmt.Errorf("failed to write row: %w", err))
	}

	valueStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO rra_values (slot, ds, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fail(fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer valueStmt.Close()

	rawStmt, err := tx.PrepareContext(ctx, `UPDATE data_sources SET last_raw = ? WHERE idx = ?`)
	if err != nil {
		return fail(fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer rawStmt.Close()

	for i, v := range stored {
		var value sql.NullFloat64
		if !math.IsNaN(v) {
			value = sql.NullFloat64{Float64: v, Valid: true}
		}
		if _, err := valueStmt.ExecContext(ctx, slot, i, value); err != nil {
			return fail(fmt.Errorf("failed to write value for %s: %w", h.sources[i].name, err))
		}
		if _, err := rawStmt.ExecContext(ctx, values[i], i); err != nil {
			return fail(fmt.Errorf("failed to record last value for %s: %w", h.sources[i].name, err))
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rrd_meta SET last_update = ? WHERE id = 1`, now); err != nil {
		return fail(fmt.Errorf("failed to update metadata: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("failed to commit transaction: %w", err))
	}

	h.lastUpdate = now
	for i, v := range values {
		h.sources[i].lastRaw = sql.NullInt64{Int64: v, Valid: true}
	}
	return nil
}

// consolidate turns a raw reading into the stored primary value for its dstype
func consolidate(src source, raw int64, interval int64) float64 {
	switch src.dstype {
	case models.DSTypeCounter:
		if !src.lastRaw.Valid {
			return math.NaN()
		}
		return float64(counterDelta(uint64(src.lastRaw.Int64), uint64(raw))) / float64(interval)
	case models.DSTypeDerive:
		if !src.lastRaw.Valid {
			return math.NaN()
		}
		return float64(raw-src.lastRaw.Int64) / float64(interval)
	case models.DSTypeAbsolute:
		return float64(raw) / float64(interval)
	default:
		return float64(raw)
	}
}

// counterDelta handles 32-bit and 64-bit counter wraps
func counterDelta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	if prev <= math.MaxUint32 {
		return cur + (math.MaxUint32 + 1) - prev
	}
	return cur - prev // 64-bit wrap, modular arithmetic
}

// Fetch reads rows with timestamps in [start, end], oldest first
func (s *RRDStore) Fetch(ctx context.Context, path string, start, end time.Time) (*Series, error) {
	fail := func(err error) error {
		return &StorageError{Op: "fetch", Path: path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookup(ctx, path)
	if err != nil {
		return nil, fail(err)
	}

	series := &Series{
		Columns: h.columns(),
		Values:  make([][]float64, len(h.sources)),
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT r.timestamp, v.ds, v.value
		FROM rra_rows r
		JOIN rra_values v ON v.slot = r.slot
		WHERE r.timestamp >= ? AND r.timestamp <= ?
		ORDER BY r.timestamp ASC, v.ds ASC
	`, start.Unix(), end.Unix())
	if err != nil {
		return nil, fail(fmt.Errorf("failed to query rows: %w", err))
	}
	defer rows.Close()

	lastTS := int64(math.MinInt64)
	for rows.Next() {
		var ts int64
		var ds int
		var value sql.NullFloat64
		if err := rows.Scan(&ts, &ds, &value); err != nil {
			return nil, fail(fmt.Errorf("failed to scan row: %w", err))
		}
		if ds < 0 || ds >= len(h.sources) {
			continue
		}

		if ts != lastTS {
			series.Times = append(series.Times, time.Unix(ts, 0))
			for c := range series.Values {
				series.Values[c] = append(series.Values[c], math.NaN())
			}
			lastTS = ts
		}
		if value.Valid {
			series.Values[ds][len(series.Times)-1] = value.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fail(fmt.Errorf("error iterating rows: %w", err))
	}

	return series, nil
}

func (h *handle) columns() []models.Column {
	cols := make([]models.Column, len(h.sources))
	for i, src := range h.sources {
		cols[i] = models.Column{Label: src.name, DSType: src.dstype}
	}
	return cols
}

// Info returns the layout and update state of a store
func (s *RRDStore) Info(ctx context.Context, path string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookup(ctx, path)
	if err != nil {
		return nil, &StorageError{Op: "info", Path: path, Err: err}
	}

	return &Info{
		Path:       path,
		Step:       time.Duration(h.step) * time.Second,
		Rows:       int(h.rows),
		Heartbeat:  time.Duration(h.heartbeat) * time.Second,
		Start:      time.Unix(h.start, 0),
		LastUpdate: time.Unix(h.lastUpdate, 0),
		Columns:    h.columns(),
	}, nil
}

// Count returns the number of rows currently held in the archive
func (s *RRDStore) Count(ctx context.Context, path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookup(ctx, path)
	if err != nil {
		return 0, &StorageError{Op: "count", Path: path, Err: err}
	}

	var count int64
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rra_rows").Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", Path: path, Err: err}
	}
	return count, nil
}

// DBSize returns the size of a store's database in bytes
func (s *RRDStore) DBSize(ctx context.Context, path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookup(ctx, path)
	if err != nil {
		return 0, &StorageError{Op: "size", Path: path, Err: err}
	}

	var pageCount, pageSize int64
	if err := h.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := h.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Close checkpoints and closes every open store
func (s *RRDStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, h := range s.handles {
		h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = &StorageError{Op: "close", Path: path, Err: err}
		}
		delete(s.handles, path)
	}
	return firstErr
}
