package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
)

// pngCodec is a lossless codec so tests can compare pixels exactly.
type pngCodec struct{}

func (pngCodec) Encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (pngCodec) Decode(payload string) (*image.RGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out, nil
}

// fakeScreen hands out copies of a settable image.
type fakeScreen struct {
	mu       sync.Mutex
	img      *image.RGBA
	failures int
	captures int
}

func newFakeScreen(w, h int) *fakeScreen {
	return &fakeScreen{img: solid(w, h, color.RGBA{B: 120, A: 255})}
}

func (s *fakeScreen) Capture() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("display unavailable")
	}
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out, nil
}

func (s *fakeScreen) set(img *image.RGBA) {
	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
}

// chanFrames feeds a processor frame by frame.
type chanFrames chan *domain.Frame

func (c chanFrames) GetFrame(ctx context.Context) *domain.Frame {
	select {
	case f := <-c:
		return f
	case <-ctx.Done():
		return nil
	}
}

type sentPacket struct {
	target string
	packet domain.Packet
}

// recordingTransport keeps every packet sent through it.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []sentPacket
	failing bool
	// lostImages fails that many Image sends before delivering again.
	lostImages int
	// hold runs before a packet is recorded and may block the sender.
	hold func(target string, p domain.Packet)
}

func (t *recordingTransport) Subscribe(string, ports.MessageHandler) {}
func (t *recordingTransport) Start(context.Context) error            { return nil }
func (t *recordingTransport) Stop() error                            { return nil }
func (t *recordingTransport) OnClientJoined(ports.PeerHandler)       {}
func (t *recordingTransport) OnClientLeft(ports.PeerHandler)         {}

func (t *recordingTransport) Send(_ context.Context, payload []byte, _ string, target string) error {
	p, err := domain.UnmarshalPacket(payload)
	if err != nil {
		return err
	}
	if t.hold != nil {
		t.hold(target, p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing {
		return errors.New("link down")
	}
	if p.Header == domain.HeaderImage && t.lostImages > 0 {
		t.lostImages--
		return errors.New("image lost")
	}
	t.sent = append(t.sent, sentPacket{target: target, packet: p})
	return nil
}

func (t *recordingTransport) packets(header domain.Header) []sentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentPacket
	for _, s := range t.sent {
		if s.packet.Header == header {
			out = append(out, s)
		}
	}
	return out
}

func (t *recordingTransport) to(target domain.ClientID) []domain.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Packet
	for _, s := range t.sent {
		if s.target == string(target) {
			out = append(out, s.packet)
		}
	}
	return out
}

func (t *recordingTransport) last() (sentPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return sentPacket{}, false
	}
	return t.sent[len(t.sent)-1], true
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}

// loopback connects endpoints in one process. Each endpoint has an ordered
// inbox drained by its own goroutine, so handlers never run on the sender's
// stack.
type loopback struct {
	mu        sync.Mutex
	endpoints map[string]*loopbackEndpoint
}

type loopbackEndpoint struct {
	id      string
	bus     *loopback
	inbox   chan []byte
	handler ports.MessageHandler
	done    chan struct{}
}

func newLoopback() *loopback {
	return &loopback{endpoints: make(map[string]*loopbackEndpoint)}
}

func (l *loopback) endpoint(id string) *loopbackEndpoint {
	e := &loopbackEndpoint{id: id, bus: l, inbox: make(chan []byte, 1024), done: make(chan struct{})}
	l.mu.Lock()
	l.endpoints[id] = e
	l.mu.Unlock()
	return e
}

func (e *loopbackEndpoint) Subscribe(_ string, h ports.MessageHandler) { e.handler = h }
func (e *loopbackEndpoint) OnClientJoined(ports.PeerHandler)           {}
func (e *loopbackEndpoint) OnClientLeft(ports.PeerHandler)             {}

func (e *loopbackEndpoint) Start(context.Context) error {
	go func() {
		for {
			select {
			case <-e.done:
				return
			case payload := <-e.inbox:
				if e.handler != nil {
					e.handler(payload)
				}
			}
		}
	}()
	return nil
}

func (e *loopbackEndpoint) Stop() error {
	close(e.done)
	return nil
}

func (e *loopbackEndpoint) Send(_ context.Context, payload []byte, _ string, target string) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	for id, peer := range e.bus.endpoints {
		if id == e.id || (target != "" && id != target) {
			continue
		}
		select {
		case peer.inbox <- payload:
		default:
			return errors.New("inbox full")
		}
	}
	return nil
}

// countingMetrics tallies engine events by name.
type countingMetrics struct {
	noopMetrics
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(key string, n int) {
	m.mu.Lock()
	m.counts[key] += n
	m.mu.Unlock()
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) FramesDropped(stage string, n int) { m.inc("dropped."+stage, n) }
func (m *countingMetrics) CaptureFailed()                    { m.inc("capture_failed", 1) }
func (m *countingMetrics) ProtocolViolation(reason string)   { m.inc("violation."+reason, 1) }
func (m *countingMetrics) LivenessTimeout(side string)       { m.inc("timeout."+side, 1) }
func (m *countingMetrics) PresenterRemoved(reason string)    { m.inc("removed."+reason, 1) }
func (m *countingMetrics) StaleUnitDiscarded()               { m.inc("stale", 1) }
func (m *countingMetrics) SendFailed(header string)          { m.inc("send_failed."+header, 1) }

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) Register(ctx context.Context, record *domain.PresenceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPresenceStore) Refresh(ctx context.Context, id domain.ClientID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPresenceStore) Update(ctx context.Context, record *domain.PresenceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPresenceStore) Unregister(ctx context.Context, id domain.ClientID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPresenceStore) List(ctx context.Context) ([]*domain.PresenceRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PresenceRecord), args.Error(1)
}

func marshal(p domain.Packet) []byte {
	data, err := p.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
