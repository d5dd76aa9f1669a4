package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig describes how a presenter reaches the viewer hub.
type ClientConfig struct {
	URL            string
	ClientID       domain.ClientID
	Name           string
	Token          string
	DialAttempts   int
	DialBackoff    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// Client is the presenter side of the websocket transport. Every Send goes
// to the hub regardless of the target id; the hub is the only peer.
type Client struct {
	*handlerSet

	cfg    ClientConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	logger *zap.SugaredLogger
}

// NewClient creates a client that connects on Start.
func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8 << 20
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	return &Client{
		handlerSet: newHandlerSet(),
		cfg:        cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("client_id", string(c.cfg.ClientID))
	if c.cfg.Name != "" {
		q.Set("name", c.cfg.Name)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials the hub with exponential backoff and starts the read loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = c.cfg.DialAttempts
	if c.cfg.DialBackoff > 0 {
		retryCfg.InitialDelay = c.cfg.DialBackoff
	}
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("Dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("hub rejected connection: %s", resp.Status))
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	c.logger.Infow("Connected to viewer", "url", c.cfg.URL, "client_id", c.cfg.ClientID)
	c.notify(string(domain.ServerID), true)

	go c.readLoop(conn, done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("Connection to viewer lost", "error", err)
			}
			break
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.logger.Warnw("Dropping malformed envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}

	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
	}
	c.mu.Unlock()
	if owned {
		_ = conn.Close()
		c.notify(string(domain.ServerID), false)
	}
}

// Stop closes the connection and waits for the read loop.
func (c *Client) Stop() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "presenter leaving"))
	c.writeMu.Unlock()

	err := conn.Close()
	<-done
	c.logger.Infow("Disconnected from viewer", "client_id", c.cfg.ClientID)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// Send writes payload to the hub. targetID is ignored.
func (c *Client) Send(ctx context.Context, payload []byte, topic string, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to viewer: %w", err)
	}
	return nil
}

// Connected reports whether the hub connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
