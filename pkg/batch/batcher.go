package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("batcher stopped")

// Operation is a single unit of batched work. Operations sharing a key
// coalesce: a newer one replaces the pending one in place.
type Operation interface {
	Key() string
}

// Processor processes a batch of operations
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, operations []Operation) error

func (f ProcessorFunc) ProcessBatch(ctx context.Context, operations []Operation) error {
	return f(ctx, operations)
}

// Batcher collects operations and hands them to a Processor when batchSize
// is reached or every batchInterval, whichever comes first.
type Batcher struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor
	onError       func(err error, n int)

	mu      sync.Mutex
	pending []Operation
	index   map[string]int
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

// NewBatcher creates a batcher and starts its flush loop. onError may be nil.
func NewBatcher(batchSize int, batchInterval time.Duration, processor Processor, onError func(err error, n int)) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchInterval <= 0 {
		batchInterval = time.Second
	}
	b := &Batcher{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		onError:       onError,
		pending:       make([]Operation, 0, batchSize),
		index:         make(map[string]int),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues op, replacing a pending operation with the same key.
func (b *Batcher) Add(op Operation) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if i, ok := b.index[op.Key()]; ok {
		b.pending[i] = op
		b.mu.Unlock()
		return nil
	}
	b.index[op.Key()] = len(b.pending)
	b.pending = append(b.pending, op)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush immediately processes all pending operations
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	ops := b.pending
	b.pending = make([]Operation, 0, b.batchSize)
	b.index = make(map[string]int)
	b.mu.Unlock()

	err := b.processor.ProcessBatch(ctx, ops)
	if err != nil && b.onError != nil {
		b.onError(err, len(ops))
	}
	return err
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop flushes what is pending and waits for the loop to exit. Safe to call
// more than once.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	<-b.done
}

// PendingCount returns the number of pending operations
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
