package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// Event is one bracket lifecycle transition worth keeping.
type Event struct {
	Time     time.Time
	Event    string
	Phase    string
	Side     string
	OrderID  int64
	Price    float64
	Quantity int
	Range    float64
}

// CycleSnapshot is the per-update view of the strategy, written on state
// transitions and throttled heartbeats.
type CycleSnapshot struct {
	Time        time.Time
	UpdateIndex int64
	Phase       string
	Side        string
	Price       float64
	Range       float64
	Position    int
}

// Writer queues journal rows and flushes them to TimescaleDB off the update
// cycle. Full queues drop rather than block the strategy.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	events    chan Event
	snapshots chan CycleSnapshot
	started   atomic.Bool
	dropEvt   atomic.Uint64
	dropSnap  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		events:    make(chan Event, queueSize),
		snapshots: make(chan CycleSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
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

func (w *Writer) EnqueueEvent(event Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
	default:
		if w.dropEvt.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal event queue full")
		}
	}
}

func (w *Writer) EnqueueSnapshot(snap CycleSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal snapshot queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.events:
			w.writeEvent(ctx, event)
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		event TEXT NOT NULL,
		phase TEXT NOT NULL,
		side TEXT NOT NULL,
		order_id BIGINT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		quantity INTEGER NOT NULL,
		range_value DOUBLE PRECISION NOT NULL
	)`, w.table("bracket_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		update_index BIGINT NOT NULL,
		phase TEXT NOT NULL,
		side TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		range_value DOUBLE PRECISION NOT NULL,
		position INTEGER NOT NULL
	)`, w.table("cycle_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"bracket_events", "cycle_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, event Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, event, phase, side, order_id, price, quantity, range_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("bracket_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time, event.Event, event.Phase, event.Side,
		event.OrderID, event.Price, event.Quantity, event.Range,
	); err != nil && w.log != nil {
		w.log.Warn("journal event write failed", zap.Error(err))
	}
}

func (w *Writer) writeSnapshot(ctx context.Context, snap CycleSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, update_index, phase, side, price, range_value, position)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("cycle_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time, snap.UpdateIndex, snap.Phase, snap.Side,
		snap.Price, snap.Range, snap.Position,
	); err != nil && w.log != nil {
		w.log.Warn("journal snapshot write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
