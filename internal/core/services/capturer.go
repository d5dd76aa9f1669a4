package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
)

// DefaultCaptureInterval is the pause between two screen grabs.
const DefaultCaptureInterval = 100 * time.Millisecond

type CapturerConfig struct {
	Interval       time.Duration
	MaxQueueLength int
}

// FrameCapturer periodically snapshots the screen into a bounded queue. When
// nobody drains the queue it is cut back to a fifth of its capacity, so the
// frames a late consumer sees are never older than a few intervals.
type FrameCapturer struct {
	source   ports.ScreenSource
	queue    *BoundedQueue[*domain.Frame]
	interval time.Duration
	logger   *zap.SugaredLogger
	metrics  ports.EngineMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFrameCapturer(
	source ports.ScreenSource,
	cfg CapturerConfig,
	metrics ports.EngineMetrics,
	logger *zap.SugaredLogger,
) *FrameCapturer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCaptureInterval
	}
	return &FrameCapturer{
		source:   source,
		queue:    NewBoundedQueue[*domain.Frame](cfg.MaxQueueLength),
		interval: cfg.Interval,
		logger:   logger,
		metrics:  metricsOrNoop(metrics),
	}
}

// Start launches the capture loop. Starting a running capturer is a no-op.
func (c *FrameCapturer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.logger.Debugw("Frame capturer already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)

	c.logger.Debugw("Frame capturer started", "interval", c.interval)
}

// Stop cancels the loop, waits for it to exit and empties the queue.
func (c *FrameCapturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		c.logger.Debugw("Frame capturer not running, stop ignored")
		return
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.queue.Clear()

	c.logger.Debugw("Frame capturer stopped")
}

func (c *FrameCapturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// GetFrame blocks until a frame is queued, returning nil once ctx is done.
func (c *FrameCapturer) GetFrame(ctx context.Context) *domain.Frame {
	frame, ok := c.queue.Pop(ctx)
	if !ok {
		return nil
	}
	return frame
}

func (c *FrameCapturer) QueueDepth() int {
	return c.queue.Len()
}

func (c *FrameCapturer) Stats() domain.QueueStats {
	return c.queue.Stats()
}

func (c *FrameCapturer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if c.queue.Full() {
			if dropped := c.queue.DrainOverflow(); dropped > 0 {
				c.metrics.FramesDropped("capture", dropped)
				c.logger.Debugw("Capture queue overflow, dropped oldest frames", "dropped", dropped)
			}
			continue
		}

		img, err := c.source.Capture()
		if err != nil {
			c.metrics.CaptureFailed()
			c.logger.Warnw("Screen capture failed", "error", err)
			if !sleepCtx(ctx, c.interval) {
				return
			}
			continue
		}
		frame := domain.NewFrame(img, time.Now())

		if !sleepCtx(ctx, c.interval) {
			return
		}
		c.queue.Push(frame)
		c.metrics.FrameCaptured()
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
