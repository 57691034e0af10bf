package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/taskpulse/internal/buffer"
	"github.com/rickgao/taskpulse/internal/router"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS channel_events (
	id          UUID PRIMARY KEY,
	room        TEXT NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB,
	seq         BIGINT,
	rejected    BOOLEAN NOT NULL DEFAULT FALSE,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channel_events_room_received_idx
	ON channel_events (room, received_at);
`

const flushTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("journal writer already started")

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config configures batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // initial queue capacity; the queue grows as needed
}

// Metrics tracks writer activity.
type Metrics struct {
	Queued    int64 `json:"queued"`
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`
}

type eventRow struct {
	ID         uuid.UUID
	Room       string
	Type       string
	Payload    *string
	Seq        *int64
	Rejected   bool
	ReceivedAt time.Time
}

// Writer batches tapped events into channel_events.
type Writer struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	// Input from the router tap
	input *buffer.Growable[eventRow]

	// Batching
	batch   []eventRow
	batchMu sync.Mutex

	// Lifecycle
	started atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewWriter creates a journal writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  buffer.New[eventRow](cfg.BufferSize),
		batch:  make([]eventRow, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Tap is a router.Config.Tap. It never blocks.
func (w *Writer) Tap(ev router.Event) {
	if !w.input.Push(w.transform(ev)) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return
	}
	w.batchMu.Lock()
	w.metrics.Queued++
	w.batchMu.Unlock()
}

// Start begins consuming tapped events and writing to the database. When ctx
// ends, the pending batch is flushed and periodic flushing stops; queued events
// are still written by Stop.
func (w *Writer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop(ctx)

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, flushes them, and stops the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.input.Close()
	close(w.done)

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	w.flush()
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves events from the queue into the batch until the queue is
// closed and drained.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		row, ok := w.input.Pop()
		if !ok {
			return
		}
		w.handleRow(row)
	}
}

// flushLoop periodically flushes the batch until Stop or ctx ends.
func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) handleRow(row eventRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a routed event into a journal row.
func (w *Writer) transform(ev router.Event) eventRow {
	row := eventRow{
		ID:         uuid.New(),
		Room:       ev.Room,
		Type:       ev.Type,
		Seq:        ev.Seq,
		Rejected:   ev.Err != nil,
		ReceivedAt: ev.ReceivedAt,
	}
	if len(ev.Payload) > 0 {
		p := string(ev.Payload)
		row.Payload = &p
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	return row
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed journal events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(rows []eventRow) (conflicts int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO channel_events (id, room, type, payload, seq, rejected, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.Room, r.Type, r.Payload, r.Seq, r.Rejected, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
