package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// InsertBuffer batches errors and writes them to an ErrorWriter
// asynchronously. Add never blocks on storage IO unless the flush queue is
// full, in which case the batch is written inline.
type InsertBuffer struct {
	writer        model.ErrorWriter
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	mu            sync.Mutex
	pending       []*model.Error
	flushChan     chan []*model.Error
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup // separate WaitGroup for tickLoop
	stopOnce      sync.Once
	stopped       atomic.Bool

	// backpressureCount tracks inline flushes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix timestamp of last backpressure log
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Metrics        *metrics.Metrics
}

// NewInsertBuffer creates a new insert buffer that flushes to writer.
func NewInsertBuffer(writer model.ErrorWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 500
	flushInterval := 250 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	var m *metrics.Metrics
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		m = conf[0].Metrics
	}

	b := &InsertBuffer{
		writer:        writer,
		metrics:       m,
		logger:        log.With().Str("component", "insert-buffer").Logger(),
		pending:       make([]*model.Error, 0, batchSize),
		flushChan:     make(chan []*model.Error, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// tickLoop periodically drains the pending buffer.
func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds) when
// the flush channel is full and an inline flush is triggered.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.logger.Warn().Int64("inline_flushes", count).Msg("backpressure: flush channel full, store falling behind")
	}
}

// drainPending moves pending errors to the flush channel.
func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]*model.Error, 0, b.maxBatch)
	b.mu.Unlock()

	b.enqueue(batch)
}

func (b *InsertBuffer) enqueue(batch []*model.Error) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

// flushWorker processes batches from the flush channel.
func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Add queues an error for batch insertion. Errors added after Stop are
// written directly.
func (b *InsertBuffer) Add(e *model.Error) {
	if e == nil {
		return
	}
	if b.stopped.Load() {
		b.flushBatch([]*model.Error{e})
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, e)
	var batch []*model.Error
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]*model.Error, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// Pending returns the number of errors not yet handed to the flush queue.
func (b *InsertBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop flushes remaining errors and waits for all writes to complete.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.done)
		// Wait for tickLoop's final drain before closing flushChan so every
		// pending batch reaches the channel.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		// Adds that raced with Stop.
		b.mu.Lock()
		rest := b.pending
		b.pending = nil
		b.mu.Unlock()
		b.flushBatch(rest)
	})
}

func (b *InsertBuffer) flushBatch(batch []*model.Error) {
	if len(batch) == 0 {
		return
	}
	if err := b.writer.Log(context.Background(), batch); err != nil {
		b.metrics.InsertFailed(len(batch))
		b.logger.Error().Err(err).Int("count", len(batch)).Msg("flush error")
		return
	}
	b.metrics.BatchInserted(len(batch))
}
