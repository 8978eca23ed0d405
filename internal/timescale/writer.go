package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-spread-arb/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout     = 3 * time.Second
	connectTimeout   = 5 * time.Second
	defaultQueueSize = 256
)

type column struct {
	name string
	ddl  string
}

// hypertable describes one time-partitioned table keyed on ts.
type hypertable struct {
	name    string
	columns []column
}

var spreadSamples = hypertable{name: "spread_samples", columns: []column{
	{"ts", "TIMESTAMPTZ NOT NULL"},
	{"active", "TEXT NOT NULL"},
	{"passive", "TEXT NOT NULL"},
	{"signal", "TEXT NOT NULL"},
	{"spread_bid", "DOUBLE PRECISION NOT NULL"},
	{"spread_ask", "DOUBLE PRECISION NOT NULL"},
	{"rate_bid", "DOUBLE PRECISION NOT NULL"},
	{"rate_ask", "DOUBLE PRECISION NOT NULL"},
	{"bid_holding", "DOUBLE PRECISION NOT NULL"},
	{"ask_holding", "DOUBLE PRECISION NOT NULL"},
	{"exposure", "DOUBLE PRECISION NOT NULL"},
	{"decisions", "INTEGER NOT NULL"},
}}

var engineVariables = hypertable{name: "engine_variables", columns: []column{
	{"ts", "TIMESTAMPTZ NOT NULL"},
	{"state", "TEXT NOT NULL"},
	{"monitor", "TEXT NOT NULL"},
	{"paused", "BOOLEAN NOT NULL"},
	{"timer_count", "INTEGER NOT NULL"},
	{"check_interval", "INTEGER NOT NULL"},
	{"active_pos", "DOUBLE PRECISION NOT NULL"},
	{"passive_pos", "DOUBLE PRECISION NOT NULL"},
	{"imbalance", "DOUBLE PRECISION NOT NULL"},
}}

func (h hypertable) createSQL(schema string) string {
	defs := make([]string, len(h.columns))
	for i, c := range h.columns {
		defs[i] = c.name + " " + c.ddl
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)", schema, h.name, strings.Join(defs, ", "))
}

func (h hypertable) insertSQL(schema string) string {
	names := make([]string, len(h.columns))
	params := make([]string, len(h.columns))
	for i, c := range h.columns {
		names[i] = c.name
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)", schema, h.name, strings.Join(names, ", "), strings.Join(params, ","))
}

type row interface {
	target() hypertable
	values() []any
}

// SpreadSample is one evaluation of the pair.
type SpreadSample struct {
	Time       time.Time
	Active     string
	Passive    string
	Case       string
	SpreadBid  float64
	SpreadAsk  float64
	RateBid    float64
	RateAsk    float64
	BidHolding float64
	AskHolding float64
	Exposure   float64
	Decisions  int
}

func (SpreadSample) target() hypertable { return spreadSamples }

func (s SpreadSample) values() []any {
	return []any{s.Time, s.Active, s.Passive, s.Case, s.SpreadBid, s.SpreadAsk,
		s.RateBid, s.RateAsk, s.BidHolding, s.AskHolding, s.Exposure, s.Decisions}
}

// VariablesRow is one published variable snapshot.
type VariablesRow struct {
	Time       time.Time
	State      string
	Monitor    string
	Paused     bool
	TimerCount int
	Interval   int
	ActivePos  float64
	PassivePos float64
	Imbalance  float64
}

func (VariablesRow) target() hypertable { return engineVariables }

func (r VariablesRow) values() []any {
	return []any{r.Time, r.State, r.Monitor, r.Paused, r.TimerCount, r.Interval,
		r.ActivePos, r.PassivePos, r.Imbalance}
}

// Writer appends rows asynchronously. A nil Writer is a valid no-op, which is
// what New returns when history is disabled.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	queue   chan row
	started atomic.Bool

	droppedSamples   atomic.Uint64
	droppedVariables atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	w := newWriter(db, log, cfg.Schema, cfg.QueueSize)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping timescale: %w", err)
	}
	if err := w.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Writer{db: db, log: log, schema: schema, queue: make(chan row, queueSize)}
}

// Start launches the single insert goroutine. Later calls are ignored.
func (w *Writer) Start(ctx context.Context) {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample SpreadSample) {
	w.enqueue(sample, &w.droppedSamples)
}

func (w *Writer) EnqueueVariables(vars VariablesRow) {
	w.enqueue(vars, &w.droppedVariables)
}

func (w *Writer) enqueue(r row, dropped *atomic.Uint64) {
	if w == nil {
		return
	}
	select {
	case w.queue <- r:
	default:
		if dropped.Add(1) == 1 {
			w.log.Warn("timescale queue full, dropping rows", zap.String("table", r.target().name))
		}
	}
}

// Dropped reports how many rows of each kind were discarded on a full queue.
func (w *Writer) Dropped() (samples, variables uint64) {
	if w == nil {
		return 0, 0
	}
	return w.droppedSamples.Load(), w.droppedVariables.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.queue:
			w.insert(ctx, r)
		}
	}
}

func (w *Writer) insert(ctx context.Context, r row) {
	table := r.target()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, table.insertSQL(w.schema), r.values()...); err != nil {
		w.log.Warn("timescale insert failed", zap.String("table", table.name), zap.Error(err))
	}
}

// migrate creates the schema and tables. Missing timescaledb leaves plain
// tables in place.
func (w *Writer) migrate(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+w.schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	tables := []hypertable{spreadSamples, engineVariables}
	for _, t := range tables {
		if err := w.exec(ctx, t.createSQL(w.schema)); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescaledb extension unavailable", zap.Error(err))
		return nil
	}
	for _, t := range tables {
		stmt := fmt.Sprintf("SELECT create_hypertable('%s.%s', 'ts', if_not_exists => TRUE)", w.schema, t.name)
		if err := w.exec(ctx, stmt); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", t.name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) exec(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, stmt)
	return err
}
