package services

import (
	"context"
	"image"
	"sync/atomic"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
)

type taggedUnit struct {
	generation uint64
	unit       domain.EncodedUnit
}

type taggedImage struct {
	generation uint64
	image      *image.RGBA
}

// PerClientBuffer holds one presenter's incoming units and finished tiles.
// Every entry is tagged with the generation current when it was queued;
// anything from an older generation is discarded on the way out.
type PerClientBuffer struct {
	generation atomic.Uint64
	incoming   *BoundedQueue[taggedUnit]
	final      *BoundedQueue[taggedImage]
	metrics    ports.EngineMetrics
}

func NewPerClientBuffer(maxQueueLength int, metrics ports.EngineMetrics) *PerClientBuffer {
	b := &PerClientBuffer{
		incoming: NewBoundedQueue[taggedUnit](maxQueueLength),
		final:    NewBoundedQueue[taggedImage](maxQueueLength),
		metrics:  metricsOrNoop(metrics),
	}
	b.generation.Store(1)
	return b
}

func (b *PerClientBuffer) Generation() uint64 {
	return b.generation.Load()
}

// PutImage queues an incoming unit under the current generation.
func (b *PerClientBuffer) PutImage(unit domain.EncodedUnit) {
	if dropped := b.incoming.PushDropOldest(taggedUnit{generation: b.Generation(), unit: unit}); dropped > 0 {
		b.metrics.FramesDropped("incoming", dropped)
	}
}

// GetImage blocks for the next current-generation unit.
func (b *PerClientBuffer) GetImage(ctx context.Context) (domain.EncodedUnit, uint64, bool) {
	for {
		t, ok := b.incoming.Pop(ctx)
		if !ok {
			return domain.EncodedUnit{}, 0, false
		}
		if t.generation != b.Generation() {
			b.metrics.StaleUnitDiscarded()
			continue
		}
		return t.unit, t.generation, true
	}
}

// PutFinalImage queues a finished tile produced for generation. It reports
// false when the generation is already stale.
func (b *PerClientBuffer) PutFinalImage(generation uint64, img *image.RGBA) bool {
	if generation != b.Generation() {
		b.metrics.StaleUnitDiscarded()
		return false
	}
	if dropped := b.final.PushDropOldest(taggedImage{generation: generation, image: img}); dropped > 0 {
		b.metrics.FramesDropped("final", dropped)
	}
	return true
}

// GetFinalImage blocks for the next current-generation tile.
func (b *PerClientBuffer) GetFinalImage(ctx context.Context) (*image.RGBA, bool) {
	for {
		t, ok := b.final.Pop(ctx)
		if !ok {
			return nil, false
		}
		if t.generation != b.Generation() {
			b.metrics.StaleUnitDiscarded()
			continue
		}
		return t.image, true
	}
}

func (b *PerClientBuffer) PendingUnits() int { return b.incoming.Len() }
func (b *PerClientBuffer) PendingTiles() int { return b.final.Len() }

// Reset empties both queues and starts a new generation.
func (b *PerClientBuffer) Reset() uint64 {
	gen := b.generation.Add(1)
	b.incoming.Clear()
	b.final.Clear()
	return gen
}
