package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/pkg/liveness"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessTimeout   = 200 * time.Second
)

type AgentConfig struct {
	ClientID          domain.ClientID
	Name              string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	Capturer          CapturerConfig
	Processor         ProcessorConfig
}

// ClientProtocolAgent runs the presenter side of the protocol: it registers
// with the viewer, keeps the registration alive with heartbeats and starts or
// stops the capture pipeline as the viewer's directives arrive.
type ClientProtocolAgent struct {
	cfg       AgentConfig
	transport ports.Transport
	capturer  *FrameCapturer
	processor *FrameProcessor
	logger    *zap.SugaredLogger
	metrics   ports.EngineMetrics

	sharing atomic.Bool

	timer atomic.Pointer[liveness.Timer]

	mu              sync.Mutex
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	streaming       bool
	senderCancel    context.CancelFunc
	senderDone      chan struct{}

	packetsSent  atomic.Uint64
	sendFailures atomic.Uint64
}

func NewClientProtocolAgent(
	cfg AgentConfig,
	transport ports.Transport,
	source ports.ScreenSource,
	codec ports.ImageCodec,
	metrics ports.EngineMetrics,
	logger *zap.SugaredLogger,
) *ClientProtocolAgent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	metrics = metricsOrNoop(metrics)
	logger = logger.With("client_id", cfg.ClientID)

	capturer := NewFrameCapturer(source, cfg.Capturer, metrics, logger)
	return &ClientProtocolAgent{
		cfg:       cfg,
		transport: transport,
		capturer:  capturer,
		processor: NewFrameProcessor(capturer, codec, cfg.Processor, metrics, logger),
		logger:    logger,
		metrics:   metrics,
	}
}

// StartScreenSharing registers with the viewer, starts the heartbeat and arms
// the liveness timer. It fails only when the timer cannot be armed.
func (a *ClientProtocolAgent) StartScreenSharing(ctx context.Context) error {
	a.mu.Lock()

	if a.sharing.Load() {
		a.mu.Unlock()
		a.logger.Debugw("Screen sharing already started")
		return nil
	}

	timer, err := liveness.New(a.cfg.LivenessTimeout, a.OnTimeOut)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrInvalidTimeout, err)
	}
	a.timer.Store(timer)

	hbCtx, cancel := context.WithCancel(context.Background())
	a.heartbeatCancel = cancel
	a.heartbeatDone = make(chan struct{})
	go a.heartbeat(hbCtx, a.heartbeatDone)

	timer.Arm()
	a.sharing.Store(true)
	a.mu.Unlock()

	a.send(ctx, a.packet(domain.HeaderRegister))

	a.logger.Infow("Screen sharing started",
		"heartbeat_interval", a.cfg.HeartbeatInterval,
		"liveness_timeout", a.cfg.LivenessTimeout,
	)
	return nil
}

// StopScreensharing stops every worker and deregisters from the viewer.
func (a *ClientProtocolAgent) StopScreensharing(ctx context.Context) {
	a.mu.Lock()

	if !a.sharing.Load() {
		a.mu.Unlock()
		a.logger.Debugw("Screen sharing not active, stop ignored")
		return
	}

	a.timer.Load().Disarm()
	a.haltLocked()
	a.mu.Unlock()

	a.send(ctx, a.packet(domain.HeaderDeregister))

	a.logger.Infow("Screen sharing stopped")
}

// OnTimeOut is invoked by the liveness timer when the viewer went silent.
func (a *ClientProtocolAgent) OnTimeOut() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.sharing.Load() {
		return
	}

	a.metrics.LivenessTimeout("presenter")
	a.haltLocked()

	a.logger.Warnw("Viewer liveness timeout, screen sharing stopped",
		"timeout", a.cfg.LivenessTimeout,
	)
}

// OnDataReceived handles one payload delivered by the transport.
func (a *ClientProtocolAgent) OnDataReceived(payload []byte) {
	packet, err := domain.UnmarshalPacket(payload)
	if err != nil {
		a.metrics.ProtocolViolation(violationReason(err))
		a.logger.Warnw("Dropping malformed packet", "error", err)
		return
	}
	if packet.SenderID != domain.ServerID {
		// another presenter's traffic on a broadcast transport
		return
	}
	a.metrics.PacketReceived(string(packet.Header))

	if !a.sharing.Load() {
		a.logger.Debugw("Not sharing, directive ignored", "header", packet.Header)
		return
	}

	switch packet.Header {
	case domain.HeaderSend:
		n, err := packet.WindowCount()
		if err != nil {
			a.metrics.ProtocolViolation("window_count")
			a.logger.Warnw("Dropping Send directive", "error", err)
			return
		}
		a.rearm()
		a.startStreaming(n)
	case domain.HeaderStop:
		a.rearm()
		a.stopStreaming()
	case domain.HeaderConfirmation:
		a.rearm()
	default:
		a.metrics.ProtocolViolation("unexpected_header")
		a.logger.Warnw("Protocol violation, unexpected header from viewer", "header", packet.Header)
	}
}

func (a *ClientProtocolAgent) IsSharing() bool {
	return a.sharing.Load()
}

func (a *ClientProtocolAgent) IsStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// TargetResolution is the tile size frames are currently encoded at.
func (a *ClientProtocolAgent) TargetResolution() domain.Resolution {
	return a.processor.TargetResolution()
}

func (a *ClientProtocolAgent) Stats() domain.PresenterStats {
	full, delta, noop := a.processor.UnitCounts()
	return domain.PresenterStats{
		Sharing:      a.sharing.Load(),
		Streaming:    a.IsStreaming(),
		Capture:      a.capturer.Stats(),
		Encoded:      a.processor.Stats(),
		Target:       a.processor.TargetResolution(),
		UnitsFull:    full,
		UnitsDelta:   delta,
		UnitsNoop:    noop,
		PacketsSent:  a.packetsSent.Load(),
		SendFailures: a.sendFailures.Load(),
	}
}

func (a *ClientProtocolAgent) rearm() {
	if timer := a.timer.Load(); timer != nil {
		timer.Rearm()
	}
}

func (a *ClientProtocolAgent) startStreaming(windowCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.sharing.Load() {
		return
	}

	a.processor.SetTargetWindowCount(windowCount)
	if a.streaming {
		a.logger.Debugw("Window count updated", "window_count", windowCount)
		return
	}

	a.capturer.Start()
	a.processor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	a.senderCancel = cancel
	a.senderDone = make(chan struct{})
	go a.sendLoop(ctx, a.senderDone)
	a.streaming = true

	a.logger.Infow("Streaming started", "window_count", windowCount)
}

func (a *ClientProtocolAgent) stopStreaming() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopStreamingLocked()
}

func (a *ClientProtocolAgent) stopStreamingLocked() {
	if !a.streaming {
		a.logger.Debugw("Streaming not active, stop ignored")
		return
	}

	a.senderCancel()
	<-a.senderDone
	a.senderCancel = nil
	a.senderDone = nil

	a.processor.Stop()
	a.capturer.Stop()
	a.streaming = false

	a.logger.Infow("Streaming stopped")
}

// haltLocked stops the heartbeat and the pipeline and clears the sharing flag.
func (a *ClientProtocolAgent) haltLocked() {
	if a.heartbeatCancel != nil {
		a.heartbeatCancel()
		<-a.heartbeatDone
		a.heartbeatCancel = nil
		a.heartbeatDone = nil
	}
	a.stopStreamingLocked()
	a.sharing.Store(false)
}

func (a *ClientProtocolAgent) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(ctx, a.packet(domain.HeaderConfirmation))
		}
	}
}

func (a *ClientProtocolAgent) sendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		unit, ok := a.processor.GetEncodedUnit(ctx)
		if !ok {
			return
		}
		packet := a.packet(domain.HeaderImage)
		packet.Data = unit.Payload
		packet.Deltas = unit.Deltas
		if !a.send(ctx, packet) && ctx.Err() == nil {
			// later deltas chain from the lost unit
			a.processor.RequestFullFrame()
		}
	}
}

func (a *ClientProtocolAgent) packet(header domain.Header) domain.Packet {
	return domain.Packet{
		SenderID:   a.cfg.ClientID,
		SenderName: a.cfg.Name,
		Header:     header,
	}
}

// send is fire-and-forget: failures are logged and counted, and only
// reported back as false.
func (a *ClientProtocolAgent) send(ctx context.Context, packet domain.Packet) bool {
	data, err := packet.Marshal()
	if err != nil {
		a.logger.Errorw("Failed to marshal packet", "header", packet.Header, "error", err)
		return false
	}
	if err := a.transport.Send(ctx, data, domain.Topic, string(domain.ServerID)); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		a.sendFailures.Add(1)
		a.metrics.SendFailed(string(packet.Header))
		a.logger.Warnw("Failed to send packet", "header", packet.Header, "error", err)
		return false
	}
	a.packetsSent.Add(1)
	a.metrics.PacketSent(string(packet.Header))
	return true
}

func violationReason(err error) string {
	if errors.Is(err, domain.ErrUnknownHeader) {
		return "unknown_header"
	}
	return "malformed"
}
