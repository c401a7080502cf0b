// Package mongo provides the Mongo-backed direct writer of the wide event
// pipeline. Entries are buffered and flushed as unordered bulk inserts when
// the batch size is reached or the flush interval elapses, whichever comes
// first.
package mongo

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	clientsmongo "goa.design/widelog/features/store/mongo/clients/mongo"
	"goa.design/widelog/runtime/pipeline"
	"goa.design/widelog/runtime/telemetry"
)

type (
	// WriterOptions configures the direct writer.
	WriterOptions struct {
		// Client is the Mongo client. Required.
		Client clientsmongo.Client
		// BatchSize triggers a synchronous flush when the buffer
		// reaches it. Defaults to 50.
		BatchSize int
		// FlushInterval is the periodic flush cadence. Defaults to 1s.
		FlushInterval time.Duration
		// FlushTimeout bounds timer-driven and shutdown flushes.
		// Defaults to 5s.
		FlushTimeout time.Duration
		// Metrics records flush counters. Optional.
		Metrics *telemetry.Metrics
	}

	// Writer is a buffered batch writer to the primary store. It
	// implements pipeline.Writer. A single flush is in flight at any
	// time; batch failures are logged with counts and the batch is
	// discarded, never retried.
	Writer struct {
		client       clientsmongo.Client
		batchSize    int
		flushTimeout time.Duration
		metrics      *telemetry.Metrics

		mu       sync.Mutex
		buf      []*pipeline.Entry
		flushing bool
		closed   bool

		stop chan struct{}
		done chan struct{}
	}
)

// Writer defaults.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = time.Second
	DefaultFlushTimeout  = 5 * time.Second
)

// NewWriter builds a Writer and starts its flush timer.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	w := &Writer{
		client:       opts.Client,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      opts.Metrics,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.run(interval)
	return w, nil
}

// Append buffers one entry, flushing synchronously when the buffer reaches
// the batch size.
func (w *Writer) Append(ctx context.Context, e *pipeline.Entry) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("writer is closed")
	}
	w.buf = append(w.buf, e)
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()
	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes the current buffer to the store. Only one flush runs at a
// time; concurrent calls return immediately and leave the buffer to the
// in-flight flush or the next timer tick.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing || len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buf
	w.buf = nil
	w.flushing = true
	w.mu.Unlock()

	err := w.client.InsertEvents(ctx, batch)

	w.mu.Lock()
	w.flushing = false
	w.mu.Unlock()

	if err != nil {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "store batch flush failed, batch discarded"},
			log.KV{K: "count", V: len(batch)},
		)
		return err
	}
	w.metrics.BatchFlushed(ctx, len(batch), "store")
	return nil
}

// Close stops the flush timer and drains the remaining buffer under the
// flush timeout.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.flushTimeout)
	defer cancel()
	return w.Flush(fctx)
}

func (w *Writer) run(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
			_ = w.Flush(ctx)
			cancel()
		}
	}
}
