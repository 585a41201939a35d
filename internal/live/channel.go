// Package live maintains the Live Update Channel: a single websocket to
// the list server that delivers change notifications. The connection is
// re-established with exponential backoff after it drops, up to a fixed
// number of attempts. After that it stays down until Reconnect is called.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/bus"
	"github.com/alexjbarnes/list-sync/internal/clock"
	"github.com/coder/websocket"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxAttempts   = 5

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// readLimit caps an inbound frame.
	readLimit = 1 << 20
)

// wsConn abstracts the websocket so the channel can be tested without a
// server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens a websocket connection to url.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

// ConnectionState is the channel's connection status.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}

	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// Config holds channel parameters. Zero values take defaults.
type Config struct {
	URL           string
	Token         string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	// Dial overrides the websocket dialer. Mainly for tests.
	Dial DialFunc
}

// Channel is the live update connection.
type Channel struct {
	url    string
	dial   DialFunc
	clock  clock.Clock
	logger *slog.Logger

	pingInterval  time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxAttempts   int

	notifications *bus.Topic[Notification]
	states        *bus.Topic[ConnectionState]

	mu         sync.Mutex
	ctx        context.Context
	conn       wsConn
	connCancel context.CancelFunc
	state      ConnectionState
	attempts   int
	retryTimer clock.Timer
	pingTimer  clock.Timer
	started    bool
	closed     bool

	// writeMu serialises frame writes. Pings fire from timer callbacks.
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Channel. Call Start to connect.
func New(cfg Config, c clock.Clock, logger *slog.Logger) *Channel {
	ch := &Channel{
		url:           cfg.URL,
		dial:          cfg.Dial,
		clock:         c,
		logger:        logger.With(slog.String("component", "live")),
		pingInterval:  cfg.PingInterval,
		reconnectBase: cfg.ReconnectBase,
		reconnectMax:  cfg.ReconnectMax,
		maxAttempts:   cfg.MaxAttempts,
		notifications: bus.NewTopic[Notification](),
		states:        bus.NewTopic[ConnectionState](),
	}

	if ch.pingInterval <= 0 {
		ch.pingInterval = defaultPingInterval
	}

	if ch.reconnectBase <= 0 {
		ch.reconnectBase = defaultReconnectBase
	}

	if ch.reconnectMax <= 0 {
		ch.reconnectMax = defaultReconnectMax
	}

	if ch.maxAttempts <= 0 {
		ch.maxAttempts = defaultMaxAttempts
	}

	if ch.dial == nil {
		ch.dial = websocketDialer(cfg.Token)
	}

	return ch
}

func websocketDialer(token string) DialFunc {
	return func(ctx context.Context, url string) (wsConn, error) {
		opts := &websocket.DialOptions{}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}

		conn, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		return conn, nil
	}
}

// Notifications is the topic inbound notifications are published on.
// Pongs and unknown kinds are not published.
func (c *Channel) Notifications() *bus.Topic[Notification] { return c.notifications }

// States is the topic connection state changes are published on.
func (c *Channel) States() *bus.Topic[ConnectionState] { return c.states }

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Attempts returns the number of reconnect attempts since the last
// successful connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempts
}

// Start begins connecting. ctx bounds every connection the channel makes.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}

	c.started = true
	c.ctx = ctx
	c.mu.Unlock()

	c.goConnect()
}

// Reconnect resets the backoff counter and, if the channel is down,
// connects immediately. A pending backoff timer is cancelled.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}

	c.attempts = 0

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	down := c.state == Disconnected
	c.mu.Unlock()

	if down {
		c.goConnect()
	}
}

// Close shuts the connection and stops reconnecting. It waits for the
// reader goroutine to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.stopTimersLocked()

	conn := c.conn
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	c.wg.Wait()
	c.notifications.Close()
	c.states.Close()

	return err
}

func (c *Channel) goConnect() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.connect()
	}()
}

// connect makes one connection attempt.
func (c *Channel) connect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}

	c.state = Connecting
	ctx := c.ctx
	c.mu.Unlock()

	c.states.Publish(Connecting)
	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.handleClose(nil, err)
		return
	}

	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")

		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.conn = conn
	c.connCancel = cancel
	c.attempts = 0
	c.state = Connected
	c.schedulePingLocked(connCtx, conn)
	c.wg.Add(1)
	c.mu.Unlock()

	c.states.Publish(Connected)
	c.logger.Info("live channel connected")

	go func() {
		defer c.wg.Done()
		c.readLoop(connCtx, conn)
	}()
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	n, err := Decode(data)
	if err != nil {
		c.logger.Warn("dropping inbound frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(data)),
		)

		return
	}

	switch n.Kind {
	case KindPong:
		return
	case KindUnknown:
		c.logger.Warn("unknown notification", slog.String("type", n.Tag))
		return
	}

	n.ReceivedAt = c.clock.Now()
	c.notifications.Publish(n)
}

// handleClose records a lost connection (conn != nil) or failed dial
// (conn == nil) and schedules the next attempt.
func (c *Channel) handleClose(conn wsConn, cause error) {
	c.mu.Lock()

	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}

	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}

	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	c.conn = nil
	c.state = Disconnected

	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.states.Publish(Disconnected)
		c.logger.Warn("live channel giving up until next trigger",
			slog.Int("attempts", c.maxAttempts),
			slog.String("error", cause.Error()),
		)

		return
	}

	c.attempts++
	delay := c.backoff(c.attempts)
	c.retryTimer = c.clock.AfterFunc(delay, c.retry)
	attempt := c.attempts
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}

	c.states.Publish(Disconnected)
	c.logger.Warn("live channel down, reconnecting",
		slog.String("error", cause.Error()),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
	)
}

func (c *Channel) retry() {
	c.mu.Lock()
	c.retryTimer = nil
	c.mu.Unlock()

	c.connect()
}

// backoff returns the delay before attempt n (1-based): base doubled n
// times, capped.
func (c *Channel) backoff(n int) time.Duration {
	d := c.reconnectBase
	for range n {
		d *= 2
		if d >= c.reconnectMax {
			return c.reconnectMax
		}
	}

	return d
}

func (c *Channel) schedulePingLocked(ctx context.Context, conn wsConn) {
	c.pingTimer = c.clock.AfterFunc(c.pingInterval, func() {
		c.ping(ctx, conn)
	})
}

func (c *Channel) ping(ctx context.Context, conn wsConn) {
	if err := c.write(ctx, conn, []byte(`{"type":"ping"}`)); err != nil {
		c.logger.Debug("ping failed", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn && !c.closed {
		c.schedulePingLocked(ctx, conn)
	}
}

func (c *Channel) write(ctx context.Context, conn wsConn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, frame)
}

func (c *Channel) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}
