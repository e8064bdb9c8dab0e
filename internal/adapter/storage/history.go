package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const createReadingsSQL = `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value REAL,
    unit TEXT,
    ts INTEGER NOT NULL
)`

const createReadingsIndexSQL = `CREATE INDEX IF NOT EXISTS idx_readings_device_key_ts ON readings(device_id, key, ts)`

const insertReadingSQL = `INSERT INTO readings(project_id, device_id, key, value, unit, ts) VALUES(?, ?, ?, ?, ?, ?)`

// HistoryConfig configures the reading history writer.
type HistoryConfig struct {
	Path string

	// QueueSize is how many batches may wait for the writer
	QueueSize int

	// Retention deletes rows older than this on each prune; zero keeps everything
	Retention time.Duration
}

// ReadingHistory stores every polled batch in SQLite. Batches are handed to
// a single writer goroutine; when it falls behind, new batches are dropped
// and counted instead of blocking the poll loop.
type ReadingHistory struct {
	db      *sql.DB
	config  HistoryConfig
	queue   chan domain.ReadingBatch
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	pending atomic.Int64
	logger  zerolog.Logger
	metrics *metrics.Registry
}

var _ domain.ReadingSink = (*ReadingHistory)(nil)

// OpenReadingHistory opens the database and starts the writer.
func OpenReadingHistory(config HistoryConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*ReadingHistory, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection serializes writers; sqlite allows only one anyway.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{createReadingsSQL, createReadingsIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create readings table: %w", err)
		}
	}

	h := &ReadingHistory{
		db:      db,
		config:  config,
		queue:   make(chan domain.ReadingBatch, config.QueueSize),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "reading-history").Logger(),
		metrics: metricsReg,
	}
	h.wg.Add(1)
	go h.writer()
	return h, nil
}

// PushReading implements domain.ReadingSink. It never blocks.
func (h *ReadingHistory) PushReading(_ context.Context, batch domain.ReadingBatch) error {
	select {
	case <-h.done:
		return domain.ErrServiceStopped
	default:
	}
	h.pending.Add(1)
	select {
	case h.queue <- batch:
		return nil
	default:
		h.pending.Add(-1)
		if h.metrics != nil {
			h.metrics.RecordHistoryDropped()
		}
		h.logger.Warn().Str("device_id", batch.DeviceID).Msg("History queue full, batch dropped")
		return nil
	}
}

func (h *ReadingHistory) writer() {
	defer h.wg.Done()
	for {
		select {
		case batch := <-h.queue:
			h.write(batch)
		case <-h.done:
			for {
				select {
				case batch := <-h.queue:
					h.write(batch)
				default:
					return
				}
			}
		}
	}
}

func (h *ReadingHistory) write(batch domain.ReadingBatch) {
	defer h.pending.Add(-1)
	if err := h.insert(context.Background(), batch); err != nil {
		h.logger.Error().Err(err).Str("device_id", batch.DeviceID).Msg("Failed to write reading batch")
	}
}

func (h *ReadingHistory) insert(ctx context.Context, batch domain.ReadingBatch) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	ts := batch.Timestamp.UnixMilli()
	for _, s := range batch.Samples() {
		var value sql.NullFloat64
		if s.Value != nil {
			value = sql.NullFloat64{Float64: *s.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, batch.ProjectID, batch.DeviceID, s.Key, value, s.Unit, ts); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Recent returns up to limit samples of key for a device, newest first.
// Failed reads come back with a nil Value.
func (h *ReadingHistory) Recent(ctx context.Context, deviceID, key string, limit int) ([]domain.ReadingSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT value, unit, ts FROM readings WHERE device_id = ? AND key = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		deviceID, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReadingSample
	for rows.Next() {
		var (
			value sql.NullFloat64
			unit  sql.NullString
			ts    int64
		)
		if err := rows.Scan(&value, &unit, &ts); err != nil {
			return nil, err
		}
		s := domain.ReadingSample{
			DeviceID:  deviceID,
			Key:       key,
			Unit:      unit.String,
			Timestamp: time.UnixMilli(ts).UTC(),
		}
		if value.Valid {
			s.Value = domain.Float(value.Float64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the configured retention.
func (h *ReadingHistory) Prune(ctx context.Context, now time.Time) (int64, error) {
	if h.config.Retention <= 0 {
		return 0, nil
	}
	res, err := h.db.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, now.Add(-h.config.Retention).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Flush waits until every queued batch has been written or ctx ends.
func (h *ReadingHistory) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// HealthCheck implements the health.Checker interface.
func (h *ReadingHistory) HealthCheck(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close stops the writer after draining the queue and closes the database.
func (h *ReadingHistory) Close() error {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
	return h.db.Close()
}
