// Package writer moves cache writes for slower layers off the request path.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"content-core/pkg/cache"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"

	"go.uber.org/zap"
)

// AsyncWriter applies writes to one layer from a bounded queue served by a
// small worker pool. When the queue stays full past MaxWaitTime the write is
// dropped; a dropped warm-up only costs a later miss.
type AsyncWriter struct {
	layer     cache.CacheLayer
	layerName string
	queue     chan writeOp
	config    AsyncWriterConfig
	metrics   metrics.MetricsCollector
	logger    *logging.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	pending int64
	dropped int64
	total   int64
	failed  int64
}

type writeOp struct {
	key   string
	value interface{}
	opts  cache.SetOptions
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full.
	// Negative drops immediately (default: 10ms)
	MaxWaitTime time.Duration

	// WriteTimeout bounds each write against the layer (default: 2s)
	WriteTimeout time.Duration

	// ReportInterval is how often queue depth is reported (default: 5s)
	ReportInterval time.Duration
}

func (c AsyncWriterConfig) withDefaults() AsyncWriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxWaitTime == 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	return c
}

// Option configures an AsyncWriter.
type Option func(*AsyncWriter)

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(w *AsyncWriter) { w.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *AsyncWriter) { w.logger = logger }
}

// NewAsyncWriter starts the workers. The writer must be closed with Close.
func NewAsyncWriter(layer cache.CacheLayer, config AsyncWriterConfig, opts ...Option) *AsyncWriter {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		layer:     layer,
		layerName: layer.Name(),
		queue:     make(chan writeOp, config.QueueSize),
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = metrics.OrNoOp(w.metrics)
	if w.logger == nil {
		w.logger = logging.Global().Named("writer").Named(w.layerName)
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	w.wg.Add(1)
	go w.reportDepth()

	return w
}

// Write enqueues a write. It returns ErrQueueFull when the write was dropped
// and ErrWriterClosed after Close.
func (w *AsyncWriter) Write(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	if w.ctx.Err() != nil {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	op := writeOp{key: key, value: value, opts: opts}
	atomic.AddInt64(&w.pending, 1)

	select {
	case w.queue <- op:
		atomic.AddInt64(&w.total, 1)
		return nil
	default:
	}

	if w.config.MaxWaitTime < 0 {
		return w.drop(key)
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case w.queue <- op:
		atomic.AddInt64(&w.total, 1)
		return nil
	case <-timer.C:
		return w.drop(key)
	case <-ctx.Done():
		atomic.AddInt64(&w.pending, -1)
		return ctx.Err()
	case <-w.ctx.Done():
		atomic.AddInt64(&w.pending, -1)
		return ErrWriterClosed
	}
}

func (w *AsyncWriter) drop(key string) error {
	atomic.AddInt64(&w.pending, -1)
	atomic.AddInt64(&w.dropped, 1)
	w.metrics.RecordWriteDropped(w.layerName)
	w.logger.Debug("write dropped", zap.String("key", key))
	return ErrQueueFull
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.ctx.Done():
			// Drain what was accepted before Close.
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	defer atomic.AddInt64(&w.pending, -1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := cache.SetWith(ctx, w.layer, op.key, op.value, op.opts)
	w.metrics.RecordAsyncWrite(w.layerName, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&w.failed, 1)
		w.logger.Warn("async write failed",
			zap.String("key", op.key),
			zap.String("kind", cache.ClassifyError(err)),
			zap.Error(err))
	}
}

// Flush waits until every accepted write has been applied or timeout passes.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadInt64(&w.pending) > 0 {
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Close stops accepting writes, applies the queued ones and waits for the
// workers. It is safe to call more than once.
func (w *AsyncWriter) Close() error {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportDepth() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.metrics.RecordQueueDepth(w.layerName, len(w.queue))
		case <-w.ctx.Done():
			return
		}
	}
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    len(w.queue),
		DroppedWrites: atomic.LoadInt64(&w.dropped),
		TotalWrites:   atomic.LoadInt64(&w.total),
		FailedWrites:  atomic.LoadInt64(&w.failed),
	}
}
