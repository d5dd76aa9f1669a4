package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/pkg/optimize"
	"tilecast/pkg/tracing"
	"tilecast/pkg/utils"
	"tilecast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenValidator resolves a presenter token to the id it was issued for.
type TokenValidator interface {
	ValidatePresenterToken(token string) (domain.ClientID, error)
}

// ServerConfig tunes the websocket hub.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	AllowedOrigins    []string
}

// DefaultServerConfig returns the hub defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 8 << 20,
	}
}

type peer struct {
	id      string
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func (p *peer) write(messageType int, data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(messageType, data)
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Server is the viewer side of the websocket transport. Presenters connect
// to HandleWebSocket; the registry uses it as a ports.Transport.
type Server struct {
	*handlerSet

	cfg      ServerConfig
	auth     TokenValidator
	upgrader websocket.Upgrader
	peerPool *optimize.SlicePool[*peer]

	mu      sync.RWMutex
	peers   map[string]*peer
	started bool
	stopped bool

	logger *zap.SugaredLogger
}

// NewServer creates a hub. auth may be nil to accept any client id.
func NewServer(cfg ServerConfig, auth TokenValidator, logger *zap.SugaredLogger) *Server {
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	s := &Server{
		handlerSet: newHandlerSet(),
		cfg:        cfg,
		auth:       auth,
		peerPool:   optimize.NewSlicePool[*peer](64),
		peers:      make(map[string]*peer),
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.stopped = false
	s.logger.Infow("WebSocket transport started")
	return nil
}

// Stop closes every presenter connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), s.cfg.WriteTimeout)
		p.close()
	}
	s.logger.Infow("WebSocket transport stopped", "connections", len(peers))
	return nil
}

// HandleWebSocket upgrades a presenter connection:
// /ws?client_id=..&name=..[&token=..]
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	if err := validation.ValidateClientID(clientID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		token := query.Get("token")
		owner, err := s.auth.ValidatePresenterToken(token)
		if err != nil || string(owner) != clientID {
			s.logger.Warnw("Rejected presenter connection",
				"client_id", clientID,
				"token", utils.MaskSensitive(token, 8),
				"error", err,
			)
			http.Error(w, "invalid presenter token", http.StatusUnauthorized)
			return
		}
	}

	s.mu.RLock()
	stopped, count := s.stopped, len(s.peers)
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "transport stopped", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.MaxConnections > 0 && count >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	p := &peer{
		id:   clientID,
		name: query.Get("name"),
		conn: conn,
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = int(s.cfg.MessagesPerSecond) + 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	s.mu.Lock()
	existing, isReconnect := s.peers[clientID]
	s.peers[clientID] = p
	s.mu.Unlock()

	if isReconnect {
		s.logger.Infow("Closing old connection for reconnecting presenter", "client_id", clientID)
		existing.close()
	}
	s.logger.Infow("Presenter connected", "client_id", clientID, "name", p.name, "reconnect", isReconnect)
	s.notify(clientID, true)

	go s.pingLoop(p)
	s.readLoop(p)

	s.mu.Lock()
	current := s.peers[clientID] == p
	if current {
		delete(s.peers, clientID)
	}
	s.mu.Unlock()
	p.close()

	if current {
		s.logger.Infow("Presenter disconnected", "client_id", clientID)
		s.notify(clientID, false)
	}
}

func (s *Server) readLoop(p *peer) {
	p.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("Error reading from presenter", "client_id", p.id, "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if p.limiter != nil && !p.limiter.Allow() {
			s.logger.Warnw("Dropping message over rate limit", "client_id", p.id, "bytes", len(data))
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			s.logger.Warnw("Dropping malformed envelope", "client_id", p.id, "error", err)
			continue
		}
		// a connection may only speak for the client id it authenticated as
		if sender := senderOf(env.Payload); sender != p.id {
			s.logger.Warnw("Dropping message with mismatched sender", "client_id", p.id, "sender_id", sender)
			continue
		}
		_, span := tracing.TraceWebSocketMessage(context.Background(), env.Topic, p.id)
		if !s.dispatch(env) {
			s.logger.Debugw("No subscriber for topic", "topic", env.Topic, "client_id", p.id)
		}
		span.End()
	}
}

func (s *Server) pingLoop(p *peer) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				s.logger.Infow("Error sending ping", "client_id", p.id, "error", err)
				p.close()
				return
			}
		}
	}
}

// Send writes payload to targetID, or to every connected presenter when
// targetID is empty.
func (s *Server) Send(ctx context.Context, payload []byte, topic string, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return domain.ErrTransportClosed
	}
	if targetID != "" {
		p, ok := s.peers[targetID]
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("presenter %s not connected", targetID)
		}
		if err := p.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("failed to write to %s: %w", targetID, err)
		}
		return nil
	}

	targets := s.peerPool.Get()
	for _, p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.RUnlock()
	defer s.peerPool.Put(targets)

	var failed int
	for _, p := range targets {
		if err := p.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
			failed++
			s.logger.Infow("Broadcast write failed", "client_id", p.id, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("broadcast completed with %d errors", failed)
	}
	return nil
}

// ConnectedPresenters returns the ids of open connections.
func (s *Server) ConnectedPresenters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether clientID has an open connection.
func (s *Server) IsConnected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[clientID]
	return ok
}
