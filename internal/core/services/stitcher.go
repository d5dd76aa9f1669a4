package services

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/pkg/raster"
)

// FrameStitcher rebuilds a presenter's tile from the units in its buffer:
// full payloads replace the running image, deltas are painted onto it.
type FrameStitcher struct {
	id      domain.ClientID
	buffer  *PerClientBuffer
	codec   ports.ImageCodec
	logger  *zap.SugaredLogger
	metrics ports.EngineMetrics

	// imageMu guards the running image, its frame count and the tile size.
	imageMu sync.Mutex
	image   *image.RGBA
	frame   uint64
	tile    domain.Resolution

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFrameStitcher(
	id domain.ClientID,
	buffer *PerClientBuffer,
	codec ports.ImageCodec,
	metrics ports.EngineMetrics,
	logger *zap.SugaredLogger,
) *FrameStitcher {
	return &FrameStitcher{
		id:      id,
		buffer:  buffer,
		codec:   codec,
		logger:  logger.With("client_id", id),
		metrics: metricsOrNoop(metrics),
	}
}

func (s *FrameStitcher) Buffer() *PerClientBuffer { return s.buffer }

func (s *FrameStitcher) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the worker and waits for it.
func (s *FrameStitcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		s.logger.Debugw("Frame stitcher not running, stop ignored")
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// StopProcessing forgets the running image and invalidates everything queued.
// The worker keeps running and picks up the next generation.
func (s *FrameStitcher) StopProcessing() {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()

	gen := s.buffer.Reset()
	s.image = nil
	s.tile = domain.Resolution{}

	s.logger.Debugw("Stitcher reset", "generation", gen)
}

// SetTileSize sets the box larger images are scaled down to fit in.
func (s *FrameStitcher) SetTileSize(size domain.Resolution) {
	s.imageMu.Lock()
	s.tile = size
	s.imageMu.Unlock()
}

func (s *FrameStitcher) TileSize() domain.Resolution {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return s.tile
}

// Snapshot copies the running image, nil before the first full frame.
func (s *FrameStitcher) Snapshot() *image.RGBA {
	img, _ := s.SnapshotFrame()
	return img
}

// Frame counts the units stitched into the running image.
func (s *FrameStitcher) Frame() uint64 {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return s.frame
}

// SnapshotFrame also returns how many units have been stitched into the
// image. The count only grows.
func (s *FrameStitcher) SnapshotFrame() (*image.RGBA, uint64) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if s.image == nil {
		return nil, s.frame
	}
	return raster.Clone(s.image), s.frame
}

func (s *FrameStitcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		unit, gen, ok := s.buffer.GetImage(ctx)
		if !ok {
			return
		}
		s.stitch(unit, gen)
	}
}

func (s *FrameStitcher) stitch(unit domain.EncodedUnit, gen uint64) {
	started := time.Now()

	s.imageMu.Lock()
	defer s.imageMu.Unlock()

	if gen != s.buffer.Generation() {
		s.metrics.StaleUnitDiscarded()
		return
	}

	switch {
	case unit.IsFull():
		img, err := s.codec.Decode(unit.Payload)
		if err != nil {
			s.logger.Warnw("Failed to decode frame", "error", err)
			return
		}
		s.image = img
	case unit.IsDelta():
		if s.image == nil {
			s.logger.Debugw("Delta before baseline, dropped", "deltas", len(unit.Deltas))
			return
		}
		if skipped := ApplyDelta(s.image, unit.Deltas); skipped > 0 {
			s.logger.Debugw("Delta entries outside image", "skipped", skipped)
		}
	default:
		return
	}
	s.frame++

	var tile *image.RGBA
	b := s.image.Bounds()
	if !s.tile.IsZero() && (b.Dx() > s.tile.Width || b.Dy() > s.tile.Height) {
		tile = raster.Fit(s.image, s.tile.Width, s.tile.Height)
	} else {
		tile = raster.Clone(s.image)
	}
	if s.buffer.PutFinalImage(gen, tile) {
		s.metrics.TileStitched(unit.Kind(), time.Since(started))
	}
}
