package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist executions.
type BatchInserter interface {
	BatchInsert(ctx context.Context, execs []Execution) error
}

// FlushRecorder observes collector flushes.
type FlushRecorder interface {
	ObserveFlush(ok bool, records int, seconds float64)
}

// Collector buffers execution records in memory and periodically flushes
// them to the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Execution
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	metrics       FlushRecorder
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]Execution, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional flush recorder.
func (c *Collector) SetMetrics(m FlushRecorder) {
	c.metrics = m
}

// Start flushes buffered records on a timer. It blocks until Stop is called
// or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an execution to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(e Execution) {
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// Pending returns the number of buffered records.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains the buffer and writes it to the store. Errors are logged
// rather than returned so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Execution, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if c.metrics != nil {
		c.metrics.ObserveFlush(err == nil, len(batch), time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("failed to flush execution records", "count", len(batch), "error", err)
	}
}

// Stop signals Start to exit after a final flush. It is safe to call more
// than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
