package services

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/pkg/liveness"
	"tilecast/pkg/tracing"
)

const presenceTimeout = 2 * time.Second

type RegistryConfig struct {
	InstanceID      string
	LivenessTimeout time.Duration
	MaxQueueLength  int
	Layout          LayoutConfig
}

type sessionEntry struct {
	session  *domain.ClientSession
	timer    *liveness.Timer
	stitcher *FrameStitcher
}

type directive struct {
	target domain.ClientID
	packet domain.Packet
}

// SubscriberRegistry is the viewer-side roster of presenters. It owns each
// presenter's liveness timer and stitching pipeline and drives the
// presenters through Send and Stop directives as the layout changes.
type SubscriberRegistry struct {
	cfg       RegistryConfig
	transport ports.Transport
	codec     ports.ImageCodec
	presence  ports.PresenceStore
	layout    *LayoutScheduler
	metrics   ports.EngineMetrics
	logger    *zap.SugaredLogger

	// sendMu is taken before mu is released and held while the directives
	// computed under mu go out, so presenters see them in commit order.
	sendMu sync.Mutex

	mu            sync.Mutex
	sessions      map[domain.ClientID]*sessionEntry
	seq           uint64
	requestedPage int
	page          domain.Page
	closed        bool
}

func NewSubscriberRegistry(
	cfg RegistryConfig,
	transport ports.Transport,
	codec ports.ImageCodec,
	presence ports.PresenceStore,
	metrics ports.EngineMetrics,
	logger *zap.SugaredLogger,
) (*SubscriberRegistry, error) {
	if cfg.LivenessTimeout <= 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTimeout, cfg.LivenessTimeout)
	}
	return &SubscriberRegistry{
		cfg:       cfg,
		transport: transport,
		codec:     codec,
		presence:  presence,
		layout:    NewLayoutScheduler(cfg.Layout),
		metrics:   metricsOrNoop(metrics),
		logger:    logger,
		sessions:  make(map[domain.ClientID]*sessionEntry),
		page:      domain.Page{Count: 1},
	}, nil
}

// OnPacket handles one payload delivered by the transport.
func (r *SubscriberRegistry) OnPacket(payload []byte) {
	packet, err := domain.UnmarshalPacket(payload)
	if err != nil {
		r.metrics.ProtocolViolation(violationReason(err))
		r.logger.Warnw("Dropping malformed packet", "error", err)
		return
	}
	if packet.SenderID == domain.ServerID {
		return
	}
	r.metrics.PacketReceived(string(packet.Header))

	ctx, span := tracing.TracePacket(context.Background(), string(packet.Header), string(packet.SenderID))
	defer span.End()

	switch packet.Header {
	case domain.HeaderRegister:
		r.register(ctx, packet)
	case domain.HeaderDeregister:
		r.remove(ctx, packet.SenderID, "deregister")
	case domain.HeaderConfirmation:
		r.confirm(ctx, packet)
	case domain.HeaderImage:
		r.image(packet)
	default:
		r.metrics.ProtocolViolation("unexpected_header")
		r.logger.Warnw("Protocol violation, unexpected header from presenter",
			"header", packet.Header,
			"client_id", packet.SenderID,
		)
	}
}

// OnClientLeft drops the session of a peer whose transport connection went away.
func (r *SubscriberRegistry) OnClientLeft(clientID string) {
	r.remove(context.Background(), domain.ClientID(clientID), "disconnect")
}

func (r *SubscriberRegistry) register(ctx context.Context, packet domain.Packet) {
	id := packet.SenderID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if entry, ok := r.sessions[id]; ok {
		entry.timer.Rearm()
		entry.session.Name = packet.SenderName
		entry.session.Deadline = entry.timer.Deadline()
		r.unlockAndSend(ctx, []directive{{target: id, packet: r.confirmation()}})

		r.logger.Debugw("Presenter registered again", "client_id", id, "error", domain.ErrSessionExists)
		return
	}

	timer, err := liveness.New(r.cfg.LivenessTimeout, func() { r.expire(id) })
	if err != nil {
		r.mu.Unlock()
		r.logger.Errorw("Failed to arm liveness timer", "client_id", id, "error", err)
		return
	}

	r.seq++
	now := time.Now()
	session := &domain.ClientSession{
		ID:       id,
		Name:     packet.SenderName,
		JoinedAt: now,
		Seq:      r.seq,
	}
	buffer := NewPerClientBuffer(r.cfg.MaxQueueLength, r.metrics)
	entry := &sessionEntry{
		session:  session,
		timer:    timer,
		stitcher: NewFrameStitcher(id, buffer, r.codec, r.metrics, r.logger),
	}
	r.sessions[id] = entry
	entry.stitcher.Start()
	timer.Arm()
	session.Deadline = timer.Deadline()
	session.Generation = buffer.Generation()

	directives := []directive{{target: id, packet: r.confirmation()}}
	directives = append(directives, r.recomputeLocked(ctx)...)
	record := r.recordLocked(entry)
	total := len(r.sessions)
	r.unlockAndSend(ctx, directives)

	r.metrics.PresenterRegistered()
	r.logger.Infow("Presenter registered",
		"client_id", id,
		"name", packet.SenderName,
		"presenters", total,
	)

	r.withPresence(func(ctx context.Context, store ports.PresenceStore) error {
		return store.Register(ctx, record)
	})
}

func (r *SubscriberRegistry) confirm(ctx context.Context, packet domain.Packet) {
	r.mu.Lock()
	entry, ok := r.sessions[packet.SenderID]
	if !ok {
		r.mu.Unlock()
		r.metrics.ProtocolViolation("unknown_sender")
		r.logger.Debugw("Confirmation from unknown presenter dropped", "client_id", packet.SenderID)
		return
	}
	entry.timer.Rearm()
	entry.session.Deadline = entry.timer.Deadline()
	r.unlockAndSend(ctx, []directive{{target: packet.SenderID, packet: r.confirmation()}})

	r.withPresence(func(ctx context.Context, store ports.PresenceStore) error {
		return store.Refresh(ctx, packet.SenderID)
	})
}

func (r *SubscriberRegistry) image(packet domain.Packet) {
	r.mu.Lock()
	entry, ok := r.sessions[packet.SenderID]
	visible := r.page.Contains(packet.SenderID)
	r.mu.Unlock()

	if !ok {
		r.metrics.ProtocolViolation("unknown_sender")
		r.logger.Debugw("Image from unknown presenter dropped", "client_id", packet.SenderID)
		return
	}
	if !visible {
		// in flight when the presenter was told to stop
		r.metrics.StaleUnitDiscarded()
		return
	}
	entry.stitcher.Buffer().PutImage(packet.Unit())
}

func (r *SubscriberRegistry) expire(id domain.ClientID) {
	r.metrics.LivenessTimeout("viewer")
	r.logger.Warnw("Presenter liveness timeout", "client_id", id, "timeout", r.cfg.LivenessTimeout)
	r.remove(context.Background(), id, "timeout")
}

func (r *SubscriberRegistry) remove(ctx context.Context, id domain.ClientID, reason string) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debugw("Removal of unknown presenter ignored", "client_id", id, "reason", reason)
		return
	}
	delete(r.sessions, id)
	entry.timer.Disarm()
	directives := r.recomputeLocked(ctx)
	total := len(r.sessions)
	r.unlockAndSend(ctx, directives)

	entry.stitcher.Stop()
	entry.stitcher.StopProcessing()

	r.metrics.PresenterRemoved(reason)
	r.logger.Infow("Presenter removed", "client_id", id, "reason", reason, "presenters", total)

	r.withPresence(func(ctx context.Context, store ports.PresenceStore) error {
		return store.Unregister(ctx, id)
	})
}

// Pin keeps a presenter on screen across page changes.
func (r *SubscriberRegistry) Pin(id domain.ClientID) error {
	return r.setPinned(id, true)
}

func (r *SubscriberRegistry) Unpin(id domain.ClientID) error {
	return r.setPinned(id, false)
}

func (r *SubscriberRegistry) setPinned(id domain.ClientID, pinned bool) error {
	ctx := context.Background()

	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if entry.session.Pinned == pinned {
		r.mu.Unlock()
		return nil
	}
	entry.session.Pinned = pinned
	directives := r.recomputeLocked(ctx)
	record := r.recordLocked(entry)
	r.unlockAndSend(ctx, directives)

	r.logger.Infow("Presenter pin changed", "client_id", id, "pinned", pinned)

	r.withPresence(func(ctx context.Context, store ports.PresenceStore) error {
		return store.Update(ctx, record)
	})
	return nil
}

// RecomputeWindow switches to page and drives presenters entering or leaving
// the screen. Out-of-range pages are clamped.
func (r *SubscriberRegistry) RecomputeWindow(page int) (domain.Page, error) {
	if page < 0 {
		return domain.Page{}, fmt.Errorf("%w: %d", domain.ErrInvalidPage, page)
	}
	ctx := context.Background()

	r.mu.Lock()
	r.requestedPage = page
	directives := r.recomputeLocked(ctx)
	current := r.page
	r.unlockAndSend(ctx, directives)
	return current, nil
}

func (r *SubscriberRegistry) CurrentPage() domain.Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page
}

func (r *SubscriberRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *SubscriberRegistry) Contains(id domain.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Roster lists every session in display order.
func (r *SubscriberRegistry) Roster() []*domain.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*domain.PresenceRecord, 0, len(r.sessions))
	for _, entry := range r.orderedLocked() {
		records = append(records, r.recordLocked(entry))
	}
	return records
}

// Session returns a copy of one session including its latest tile.
func (r *SubscriberRegistry) Session(id domain.ClientID) (domain.ClientSession, error) {
	session, stitcher, err := r.lookup(id)
	if err != nil {
		return session, err
	}
	session.Image, session.Frame = stitcher.SnapshotFrame()
	return session, nil
}

// SessionInfo is Session without the tile image.
func (r *SubscriberRegistry) SessionInfo(id domain.ClientID) (domain.ClientSession, error) {
	session, stitcher, err := r.lookup(id)
	if err != nil {
		return session, err
	}
	session.Frame = stitcher.Frame()
	return session, nil
}

func (r *SubscriberRegistry) lookup(id domain.ClientID) (domain.ClientSession, *FrameStitcher, error) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return domain.ClientSession{}, nil, domain.ErrSessionNotFound
	}
	session := *entry.session
	stitcher := entry.stitcher
	r.mu.Unlock()

	session.Image = nil
	session.Tile = stitcher.TileSize()
	session.Generation = stitcher.Buffer().Generation()
	return session, stitcher, nil
}

// GetFinalImage blocks for the next finished tile of id.
func (r *SubscriberRegistry) GetFinalImage(ctx context.Context, id domain.ClientID) (*image.RGBA, error) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	img, ok := entry.stitcher.Buffer().GetFinalImage(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, domain.ErrNoTile
	}
	return img, nil
}

// Close stops every stitcher and timer. Presenters are not notified.
func (r *SubscriberRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for id, entry := range r.sessions {
		entry.timer.Disarm()
		entries = append(entries, entry)
		delete(r.sessions, id)
	}
	r.page = domain.Page{Count: 1}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.stitcher.Stop()
	}
}

// recomputeLocked lays out the requested page and returns the directives
// that bring presenters in line with it.
func (r *SubscriberRegistry) recomputeLocked(ctx context.Context) []directive {
	started := time.Now()
	_, span := tracing.TraceLayout(ctx, r.requestedPage)
	defer span.End()

	ordered := r.orderedLocked()
	sessions := make([]*domain.ClientSession, len(ordered))
	for i, entry := range ordered {
		sessions[i] = entry.session
	}

	next := r.layout.Compute(sessions, r.requestedPage)
	plan := r.layout.Plan(r.page, next)
	r.page = next

	tile := r.layout.TileSize(next.Grid)
	windowCount := next.Grid.WindowCount()

	var directives []directive
	for _, id := range plan.Leave {
		entry, ok := r.sessions[id]
		if !ok {
			continue
		}
		entry.stitcher.StopProcessing()
		entry.session.Tile = domain.Resolution{}
		entry.session.Generation = entry.stitcher.Buffer().Generation()
		directives = append(directives, directive{
			target: id,
			packet: domain.Packet{SenderID: domain.ServerID, Header: domain.HeaderStop},
		})
	}
	for _, id := range append(plan.Enter, plan.Resize...) {
		entry := r.sessions[id]
		entry.stitcher.SetTileSize(tile)
		entry.session.Tile = tile
		directives = append(directives, directive{target: id, packet: domain.NewSendPacket(windowCount)})
	}

	span.SetAttributes(
		attribute.Int("layout.visible", len(next.Visible)),
		attribute.Int("layout.rows", next.Grid.Rows),
		attribute.Int("layout.cols", next.Grid.Cols),
	)
	r.metrics.LayoutRecomputed(len(next.Visible), time.Since(started))
	if !plan.Empty() {
		r.logger.Debugw("Layout recomputed",
			"page", next.Index,
			"pages", next.Count,
			"visible", len(next.Visible),
			"grid", fmt.Sprintf("%dx%d", next.Grid.Rows, next.Grid.Cols),
			"entered", len(plan.Enter),
			"left", len(plan.Leave),
		)
	}
	return directives
}

func (r *SubscriberRegistry) orderedLocked() []*sessionEntry {
	ordered := make([]*sessionEntry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].session.Seq < ordered[j].session.Seq
	})
	return ordered
}

func (r *SubscriberRegistry) recordLocked(entry *sessionEntry) *domain.PresenceRecord {
	return &domain.PresenceRecord{
		ID:         entry.session.ID,
		Name:       entry.session.Name,
		InstanceID: r.cfg.InstanceID,
		Pinned:     entry.session.Pinned,
		Visible:    r.page.Contains(entry.session.ID),
		JoinedAt:   entry.session.JoinedAt,
		LastSeen:   time.Now(),
	}
}

func (r *SubscriberRegistry) confirmation() domain.Packet {
	return domain.Packet{SenderID: domain.ServerID, Header: domain.HeaderConfirmation}
}

// unlockAndSend releases mu and sends directives before any later commit
// can send its own. The caller must hold mu.
func (r *SubscriberRegistry) unlockAndSend(ctx context.Context, directives []directive) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.mu.Unlock()
	r.send(ctx, directives)
}

// send delivers directives best effort; failures are logged only.
func (r *SubscriberRegistry) send(ctx context.Context, directives []directive) {
	for _, d := range directives {
		data, err := d.packet.Marshal()
		if err != nil {
			r.logger.Errorw("Failed to marshal directive", "header", d.packet.Header, "error", err)
			continue
		}
		if err := r.transport.Send(ctx, data, domain.Topic, string(d.target)); err != nil {
			r.metrics.SendFailed(string(d.packet.Header))
			r.logger.Warnw("Failed to send directive",
				"client_id", d.target,
				"header", d.packet.Header,
				"error", err,
			)
			continue
		}
		r.metrics.PacketSent(string(d.packet.Header))
	}
}

func (r *SubscriberRegistry) withPresence(op func(ctx context.Context, store ports.PresenceStore) error) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := op(ctx, r.presence); err != nil {
		r.logger.Warnw("Presence store update failed", "error", err)
	}
}
