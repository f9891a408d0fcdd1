package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"price-pulse/internal/clock"
	"price-pulse/internal/market"
)

// Handler receives stream events.
type Handler interface {
	OnTick(tick market.Tick)
	OnStreamStatus(status market.StreamStatus)
	OnTickDropped(err error)
}

// Options configure the stream connection.
type Options struct {
	URL               string
	Streams           []string
	Proxy             string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Connection keeps one live subscription to the ticker feed and reconnects
// forever after a fixed delay. Each (re)connect bumps a generation counter;
// callbacks from older generations are discarded.
type Connection struct {
	opts    Options
	clock   clock.Clock
	handler Handler
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	requestID atomic.Int64

	mu        sync.Mutex
	ctx       context.Context
	gen       uint64
	conn      *websocket.Conn
	state     market.StreamState
	health    market.Health
	stopped   bool
	reconnect clock.Timer
	heartbeat clock.Timer
}

// New constructs a Connection; nothing is dialled until Start or Connect.
func New(opts Options, clk clock.Clock, handler Handler, logger zerolog.Logger) (*Connection, error) {
	if opts.URL == "" {
		return nil, errors.New("stream url not configured")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse stream proxy: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	return &Connection{
		opts:    opts,
		clock:   clk,
		handler: handler,
		logger:  logger.With().Str("component", "stream").Str("url", opts.URL).Logger(),
		dialer:  dialer,
		ctx:     context.Background(),
		state:   market.StateConnecting,
	}, nil
}

// Start binds the connection to ctx and connects.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.stopped = false
	c.mu.Unlock()

	c.Connect()
}

// Connect closes any existing connection and opens a new one.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	old := c.teardownLocked()
	c.state = market.StateConnecting
	status := c.statusLocked()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.handler.OnStreamStatus(status)

	go c.run(gen)
}

// Stop closes the connection and cancels any pending reconnect.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	old := c.teardownLocked()
	c.state = market.StateClosed
	c.health.Healthy = false
	c.mu.Unlock()

	if old != nil {
		_ = old.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = old.Close()
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() market.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health reports the stream source health.
func (c *Connection) Health() market.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Connection) run(gen uint64) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.closed(gen, nil, market.NetworkError(err))
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if len(c.opts.Streams) > 0 {
		req := subscribeRequest{Method: "SUBSCRIBE", Params: c.opts.Streams, ID: c.requestID.Add(1)}
		if err := conn.WriteJSON(req); err != nil {
			c.closed(gen, conn, market.NetworkError(fmt.Errorf("subscribe: %w", err)))
			return
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = market.StateOpen
	c.health = market.Health{Healthy: true, LastSuccessAt: c.clock.Now()}
	c.armHeartbeatLocked(gen, conn)
	status := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info().Strs("streams", c.opts.Streams).Msg("stream connected")
	c.handler.OnStreamStatus(status)

	c.readLoop(gen, conn)
}

func (c *Connection) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.closed(gen, conn, market.NetworkError(err))
			return
		}

		if !c.current(gen) {
			return
		}

		tick, err := ParseTick(payload, c.clock.Now())
		if errors.Is(err, errControlMessage) {
			c.logger.Debug().Bytes("payload", payload).Msg("stream control message")
			continue
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed stream message")
			c.handler.OnTickDropped(err)
			continue
		}

		c.mu.Lock()
		c.health.LastSuccessAt = tick.ReceivedAt
		c.mu.Unlock()
		c.handler.OnTick(tick)
	}
}

// closed moves a live generation to Closed and schedules the reconnect.
func (c *Connection) closed(gen uint64, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.state = market.StateClosing
	old := c.teardownLocked()
	if old == nil {
		old = conn
	}
	c.state = market.StateClosed
	c.health.Healthy = false
	c.reconnect = c.clock.AfterFunc(c.opts.ReconnectDelay, c.Connect)
	status := c.statusLocked()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.logger.Warn().Err(cause).Dur("retry_in", c.opts.ReconnectDelay).Msg("stream closed, reconnect scheduled")
	c.handler.OnStreamStatus(status)
}

func (c *Connection) armHeartbeatLocked(gen uint64, conn *websocket.Conn) {
	c.heartbeat = c.clock.AfterFunc(c.opts.HeartbeatInterval, func() {
		if !c.current(gen) {
			return
		}
		deadline := time.Now().Add(c.opts.HeartbeatInterval / 2)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			c.logger.Warn().Err(err).Msg("stream heartbeat failed")
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.gen && c.state == market.StateOpen {
			c.armHeartbeatLocked(gen, conn)
		}
	})
}

// teardownLocked detaches the live socket and stops timers; the caller closes the socket.
func (c *Connection) teardownLocked() *websocket.Conn {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	old := c.conn
	c.conn = nil
	return old
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.stopped
}

func (c *Connection) statusLocked() market.StreamStatus {
	return market.StreamStatus{Health: c.health, State: c.state}
}
