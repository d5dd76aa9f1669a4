package services

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/pkg/raster"
)

// FrameSource yields raw frames, blocking until one is ready.
type FrameSource interface {
	GetFrame(ctx context.Context) *domain.Frame
}

type ProcessorConfig struct {
	MaxQueueLength int
	DeltaThreshold int
	DeltaEnabled   bool
	// KeyframeInterval forces a full unit after this many units without one.
	// Zero disables periodic keyframes.
	KeyframeInterval int
}

// queuedUnit keeps the image a unit was encoded from so a unit left at the
// head after an overflow can be re-encoded as a full frame.
type queuedUnit struct {
	unit  domain.EncodedUnit
	image *image.RGBA
}

// FrameProcessor scales raw frames to the tile size requested by the viewer
// and encodes each one either as a compressed full image or as a pixel delta
// against the previously encoded frame.
type FrameProcessor struct {
	frames       FrameSource
	codec        ports.ImageCodec
	queue        *BoundedQueue[queuedUnit]
	threshold    int
	deltaEnabled bool
	keyframe     int
	logger       *zap.SugaredLogger
	metrics      ports.EngineMetrics

	// targetMu guards the sizing state written by directive handling.
	targetMu    sync.RWMutex
	captured    domain.Resolution
	windowCount int

	// owned by the worker goroutine
	current      domain.Resolution
	prev         *image.RGBA
	baselineSent bool
	sinceFull    int

	// forceFull makes the next unit a full frame.
	forceFull atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	unitsFull  atomic.Uint64
	unitsDelta atomic.Uint64
	unitsNoop  atomic.Uint64
}

func NewFrameProcessor(
	frames FrameSource,
	codec ports.ImageCodec,
	cfg ProcessorConfig,
	metrics ports.EngineMetrics,
	logger *zap.SugaredLogger,
) *FrameProcessor {
	if cfg.DeltaThreshold <= 0 {
		cfg.DeltaThreshold = DeltaThreshold
	}
	return &FrameProcessor{
		frames:       frames,
		codec:        codec,
		queue:        NewBoundedQueue[queuedUnit](cfg.MaxQueueLength),
		threshold:    cfg.DeltaThreshold,
		deltaEnabled: cfg.DeltaEnabled,
		keyframe:     cfg.KeyframeInterval,
		logger:       logger,
		metrics:      metricsOrNoop(metrics),
		windowCount:  1,
	}
}

// Start launches the encoding loop. The first frame it receives only
// establishes the capture size and the delta baseline.
func (p *FrameProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.logger.Debugw("Frame processor already running")
		return
	}

	p.current = domain.Resolution{}
	p.prev = nil
	p.baselineSent = false
	p.sinceFull = 0
	p.forceFull.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	p.logger.Debugw("Frame processor started", "delta_enabled", p.deltaEnabled)
}

// Stop cancels the loop, waits for it to exit and empties the queue.
func (p *FrameProcessor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		p.logger.Debugw("Frame processor not running, stop ignored")
		return
	}

	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.queue.Clear()

	p.logger.Debugw("Frame processor stopped")
}

func (p *FrameProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// GetEncodedUnit blocks until a unit is queued or ctx is done.
func (p *FrameProcessor) GetEncodedUnit(ctx context.Context) (domain.EncodedUnit, bool) {
	q, ok := p.queue.Pop(ctx)
	return q.unit, ok
}

// RequestFullFrame makes the next encoded unit a full frame. Called when a
// unit was lost downstream, since later deltas depend on it.
func (p *FrameProcessor) RequestFullFrame() {
	p.forceFull.Store(true)
}

// SetTargetWindowCount asks for frames downscaled by n per dimension. The
// change is picked up by the next encoded unit.
func (p *FrameProcessor) SetTargetWindowCount(n int) {
	if n < 1 {
		n = 1
	}
	p.targetMu.Lock()
	p.windowCount = n
	p.targetMu.Unlock()
}

// TargetResolution is the captured size divided by the window count. It is
// zero until the first frame has been seen.
func (p *FrameProcessor) TargetResolution() domain.Resolution {
	p.targetMu.RLock()
	defer p.targetMu.RUnlock()
	return p.captured.Divide(p.windowCount)
}

func (p *FrameProcessor) QueueDepth() int {
	return p.queue.Len()
}

func (p *FrameProcessor) Stats() domain.QueueStats {
	return p.queue.Stats()
}

// UnitCounts returns how many full, delta and no-op units were produced.
func (p *FrameProcessor) UnitCounts() (full, delta, noop uint64) {
	return p.unitsFull.Load(), p.unitsDelta.Load(), p.unitsNoop.Load()
}

func (p *FrameProcessor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	first := p.frames.GetFrame(ctx)
	if first == nil {
		return
	}
	p.observeCaptured(first.Size())
	p.prev = first.Image
	p.current = first.Size()

	for {
		frame := p.frames.GetFrame(ctx)
		if frame == nil {
			return
		}
		unit, ok := p.encode(frame)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if dropped := p.queue.PushDropOldestRepair(unit, p.rebase); dropped > 0 {
			p.metrics.FramesDropped("encode", dropped)
			p.logger.Debugw("Encode queue overflow, dropped oldest units", "dropped", dropped)
		}
	}
}

// rebase turns the unit left at the head of the queue after an overflow
// into a full frame, since the units its delta chain started from are gone.
// The units behind it still chain from it.
func (p *FrameProcessor) rebase(head queuedUnit) queuedUnit {
	if head.unit.IsFull() || head.image == nil {
		return head
	}
	payload, err := p.codec.Encode(head.image)
	if err != nil {
		p.logger.Warnw("Failed to re-encode queue head after overflow", "error", err)
		p.forceFull.Store(true)
		return head
	}
	p.unitsFull.Add(1)
	p.metrics.UnitEncoded("full", len(payload))
	return queuedUnit{unit: domain.EncodedUnit{Payload: payload}, image: head.image}
}

func (p *FrameProcessor) encode(frame *domain.Frame) (queuedUnit, bool) {
	p.observeCaptured(frame.Size())

	target := p.TargetResolution()
	if target.IsZero() {
		target = frame.Size()
	}
	resolutionChanged := target != p.current
	p.current = target

	resized := raster.Resize(frame.Image, target.Width, target.Height)

	forced := p.forceFull.Swap(false)
	keyframeDue := p.keyframe > 0 && p.sinceFull >= p.keyframe
	if p.deltaEnabled && p.baselineSent && !resolutionChanged && !forced && !keyframeDue {
		if deltas, ok := ComputeDelta(p.prev, resized, p.threshold); ok {
			p.prev = resized
			p.sinceFull++
			if len(deltas) == 0 {
				p.unitsNoop.Add(1)
				p.metrics.UnitEncoded("noop", 0)
				return queuedUnit{image: resized}, true
			}
			p.unitsDelta.Add(1)
			p.metrics.UnitEncoded("delta", len(deltas)*8)
			return queuedUnit{unit: domain.EncodedUnit{Deltas: deltas}, image: resized}, true
		}
	}

	payload, err := p.codec.Encode(resized)
	if err != nil {
		if forced {
			p.forceFull.Store(true)
		}
		p.logger.Warnw("Failed to encode frame", "error", err, "resolution", target.String())
		return queuedUnit{}, false
	}
	if resolutionChanged {
		p.logger.Debugw("Target resolution adopted", "resolution", target.String())
	}
	p.prev = resized
	p.baselineSent = true
	p.sinceFull = 0
	p.unitsFull.Add(1)
	p.metrics.UnitEncoded("full", len(payload))
	return queuedUnit{unit: domain.EncodedUnit{Payload: payload}, image: resized}, true
}

func (p *FrameProcessor) observeCaptured(size domain.Resolution) {
	p.targetMu.Lock()
	p.captured = size
	p.targetMu.Unlock()
}
