package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/corpusflow/crawlcore/internal/jobstore"
	"github.com/corpusflow/crawlcore/internal/logging"
)

// PostgresConfig tunes the buffered batch writer, adapted from the teacher's
// BatchWriterConfig.
type PostgresConfig struct {
	BufferSize   int
	FlushTimeout time.Duration
}

// DefaultPostgresConfig mirrors the teacher's DefaultBatchWriterConfig.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{BufferSize: 500, FlushTimeout: 5 * time.Second}
}

// PostgresWriter buffers extracted Items in memory and flushes them to
// Postgres in batches, either when the buffer fills or on a periodic timer.
// Adapted from the teacher's BatchWriter, generalized from generic
// ExtractedItem rows to crawled-page Items.
type PostgresWriter struct {
	db     *jobstore.DB
	config PostgresConfig

	mu     sync.Mutex
	buffer []Item

	flushCh chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup

	shutdown     bool
	totalFlushed int64
	flushCount   int64
}

// NewPostgresWriter opens a buffered writer backed by the given job database
// and starts its background flush loop.
func NewPostgresWriter(db *jobstore.DB, cfg PostgresConfig) *PostgresWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultPostgresConfig().BufferSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultPostgresConfig().FlushTimeout
	}

	w := &PostgresWriter{
		db:      db,
		config:  cfg,
		buffer:  make([]Item, 0, cfg.BufferSize),
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.runFlushLoop()

	return w
}

// EnsureSchema creates the extracted_pages table if it does not exist.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS extracted_pages (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL,
	url        TEXT NOT NULL,
	host       TEXT NOT NULL,
	title      TEXT,
	text       TEXT,
	links      JSONB NOT NULL DEFAULT '[]',
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("sink: ensure schema: %w", err)
	}
	return nil
}

// Add buffers a single item, triggering a flush if the buffer is full.
func (w *PostgresWriter) Add(ctx context.Context, item Item) error {
	return w.AddBatch(ctx, []Item{item})
}

// AddBatch buffers multiple items at once.
func (w *PostgresWriter) AddBatch(ctx context.Context, items []Item) error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return fmt.Errorf("sink: writer is closed")
	}
	w.buffer = append(w.buffer, items...)
	full := len(w.buffer) >= w.config.BufferSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *PostgresWriter) runFlushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-w.flushCh:
			if err := w.flush(); err != nil {
				logging.Error("sink: flush failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := w.flush(); err != nil {
				logging.Error("sink: periodic flush failed", zap.Error(err))
			}
		case <-w.doneCh:
			if err := w.flush(); err != nil {
				logging.Error("sink: final flush failed", zap.Error(err))
			}
			return
		}
	}
}

func (w *PostgresWriter) flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	pending := w.buffer
	w.buffer = make([]Item, 0, w.config.BufferSize)
	w.mu.Unlock()

	if err := w.bulkInsert(pending); err != nil {
		w.mu.Lock()
		w.buffer = append(pending, w.buffer...)
		w.mu.Unlock()
		return fmt.Errorf("sink: bulk insert: %w", err)
	}

	atomic.AddInt64(&w.totalFlushed, int64(len(pending)))
	atomic.AddInt64(&w.flushCount, 1)
	return nil
}

func (w *PostgresWriter) bulkInsert(items []Item) error {
	ctx := context.Background()
	batch := &pgx.Batch{}

	for _, item := range items {
		linksJSON, err := json.Marshal(item.Links)
		if err != nil {
			return fmt.Errorf("marshal links for %s: %w", item.URL, err)
		}
		batch.Queue(`
			INSERT INTO extracted_pages (job_id, url, host, title, text, links)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.JobID, item.URL, item.Host, item.Title, item.Text, string(linksJSON))
	}

	results := w.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces an immediate synchronous flush of any buffered items.
func (w *PostgresWriter) Flush() error {
	return w.flush()
}

// Close stops the background flush loop after a final flush.
func (w *PostgresWriter) Close() error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return nil
	}
	w.shutdown = true
	w.mu.Unlock()

	close(w.doneCh)
	w.wg.Wait()
	return nil
}

// Stats reports buffered and lifetime-flushed item counts.
func (w *PostgresWriter) Stats() map[string]any {
	w.mu.Lock()
	buffered := len(w.buffer)
	w.mu.Unlock()

	return map[string]any{
		"buffered":      buffered,
		"total_flushed": atomic.LoadInt64(&w.totalFlushed),
		"flush_count":   atomic.LoadInt64(&w.flushCount),
	}
}
