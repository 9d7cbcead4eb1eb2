// Package session owns the single persistent websocket a chat client keeps with
// the backend. It models the transport as an explicit four-state machine and
// reports everything that happens on it through Callbacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("session connection is not open")
	ErrClosing      = errors.New("session connection is closing")
	ErrDialFailed   = errors.New("websocket dial failed")
	ErrTransport    = errors.New("websocket transport failure")
	ErrWriteFailed  = errors.New("websocket write failed")
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Callbacks receive transport events. For a given transport they are invoked
// in order from the connection's own goroutines and must not call Shutdown.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(payload string)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Config controls endpoint and timing.
type Config struct {
	BaseURL          string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	CloseGrace       time.Duration
}

// DefaultConfig mirrors the backend's default development endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "ws://localhost:8000/chat",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		CloseGrace:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	return c
}

// Option customises a Connection.
type Option func(*Connection)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		c.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// transport is one dial attempt and, if it succeeds, the socket it produced.
type transport struct {
	sessionID string
	cancel    context.CancelFunc
	conn      *websocket.Conn
	writeMu   sync.Mutex
	stopPing  chan struct{}
	grace     *time.Timer
	finalized bool
}

// Connection is the client side of one chat session.
type Connection struct {
	cfg       Config
	callbacks Callbacks
	dialer    Dialer
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	current *transport
	wg      sync.WaitGroup
}

// New creates a closed connection. Nothing is dialed until Open.
func New(cfg Config, callbacks Callbacks, opts ...Option) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    zap.NewNop(),
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	c.logger = c.logger.With(zap.String("component", "session"))
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the URL a session is dialed at.
func (c *Connection) Endpoint(sessionID string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(sessionID)
}

// Open starts connecting the session. It is a no-op while OPEN or CONNECTING and
// fails with ErrClosing while a close handshake is in progress. The dial runs in
// the background; OnOpen or OnError+OnClose report its outcome.
func (c *Connection) Open(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen, StateConnecting:
		c.logger.Debug("open ignored", zap.Stringer("state", c.state))
		return nil
	case StateClosing:
		return ErrClosing
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		sessionID: sessionID,
		cancel:    cancel,
		stopPing:  make(chan struct{}),
	}
	c.current = t
	c.transitionLocked(eventDial)

	endpoint := c.Endpoint(sessionID)
	c.logger.Info("connecting", zap.String("url", endpoint))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dial(ctx, t, endpoint)
	}()
	return nil
}

// Send transmits frame verbatim as one text message.
func (c *Connection) Send(frame string) error {
	c.mu.Lock()
	if c.state != StateOpen || c.current == nil || c.current.conn == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("send rejected", zap.Stringer("state", state))
		return ErrNotConnected
	}
	t := c.current
	c.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	c.logger.Debug("frame sent", zap.Int("bytes", len(frame)))
	return nil
}

// Close starts a normal close handshake while OPEN. While CONNECTING it abandons
// the dial and reports a normal close. In other states it does nothing.
// If the peer does not answer within CloseGrace the socket is dropped and
// OnClose still fires exactly once.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.state == StateConnecting && c.current != nil {
		t := c.current
		c.mu.Unlock()
		c.logger.Info("abandoning dial", zap.String("reason", reason))
		t.cancel()
		c.finalize(t, websocket.CloseNormalClosure, reason, nil)
		return nil
	}
	if c.state != StateOpen || c.current == nil {
		c.mu.Unlock()
		return nil
	}
	t := c.current
	c.transitionLocked(eventCloseRequested)
	t.grace = time.AfterFunc(c.cfg.CloseGrace, func() {
		c.finalize(t, websocket.CloseNormalClosure, reason, nil)
	})
	c.mu.Unlock()

	c.logger.Info("closing", zap.String("reason", reason))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.finalize(t, websocket.CloseAbnormalClosure, "", fmt.Errorf("%w: %v", ErrWriteFailed, err))
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Shutdown tears the transport down without waiting for the peer and blocks until
// every goroutine owned by the connection has exited. OnClose fires for a live
// transport. It must not be called from a callback.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	t := c.current
	state := c.state
	var conn *websocket.Conn
	if t != nil {
		conn = t.conn
	}
	c.mu.Unlock()

	if t != nil {
		t.cancel()
		if state == StateOpen && conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		}
		c.finalize(t, websocket.CloseNormalClosure, "shutdown", nil)
	}
	c.wg.Wait()
}

func (c *Connection) dial(ctx context.Context, t *transport, endpoint string) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.finalize(t, websocket.CloseAbnormalClosure, "", fmt.Errorf("%w: %v", ErrDialFailed, err))
		return
	}

	c.mu.Lock()
	if c.current != t || t.finalized {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	c.transitionLocked(eventOpened)
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.logger.Info("connected", zap.String("session", t.sessionID))
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(t)
	}()
	c.readLoop(t)
}

func (c *Connection) readLoop(t *transport) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			// 1006 is never sent on the wire: it is how gorilla reports a
			// connection that ended without a close frame.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				c.finalize(t, closeErr.Code, closeErr.Text, nil)
			} else {
				c.finalize(t, websocket.CloseAbnormalClosure, "", fmt.Errorf("%w: %v", ErrTransport, err))
			}
			return
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		c.logger.Debug("frame received", zap.Int("bytes", len(data)))
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(string(data))
		}
	}
}

// pingLoop keeps the read deadline moving while the socket is idle.
func (c *Connection) pingLoop(t *transport) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopPing:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// finalize moves the connection to CLOSED for transport t and reports the close.
// Only the first call per transport has any effect.
func (c *Connection) finalize(t *transport, code int, reason string, cause error) {
	c.mu.Lock()
	if t.finalized {
		c.mu.Unlock()
		return
	}
	t.finalized = true
	if t.grace != nil {
		t.grace.Stop()
	}
	if c.current == t {
		c.transitionLocked(eventClosed)
		c.current = nil
	}
	conn := t.conn
	c.mu.Unlock()

	t.cancel()
	close(t.stopPing)
	if conn != nil {
		_ = conn.Close()
	}

	c.logClose(code, reason)
	if cause != nil {
		c.logger.Warn("transport error", zap.Error(cause))
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(cause)
		}
	}
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(code, reason)
	}
}

func (c *Connection) logClose(code int, reason string) {
	switch code {
	case websocket.CloseNormalClosure:
		c.logger.Debug("normal closure", zap.String("reason", reason))
	case websocket.CloseAbnormalClosure:
		c.logger.Warn("abnormal closure, connection lost", zap.Int("code", code))
	default:
		c.logger.Warn("unexpected close code", zap.Int("code", code), zap.String("reason", reason))
	}
}

func (c *Connection) transitionLocked(ev event) {
	to, ok := next(c.state, ev)
	if !ok {
		c.logger.Warn("invalid state transition", zap.Stringer("from", c.state), zap.Stringer("event", ev))
		return
	}
	c.logger.Debug("state transition", zap.Stringer("from", c.state), zap.Stringer("to", to), zap.Stringer("event", ev))
	c.state = to
}
