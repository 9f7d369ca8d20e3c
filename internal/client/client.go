// Package client is the consumer-side wrapper around one relay
// connection: dial and authenticate, heartbeat, exponential-backoff
// reconnect, and frame dispatch onto an event bus.
//
// Used by the agent console backend and by headless integrations that
// want a resilient channel without re-implementing retry logic.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/bus"
	"github.com/lalith-99/chatrelay/internal/wire"
)

// Events emitted by the client. Subscribe with On.
const (
	EventOpen         = "open"
	EventMessage      = "message"
	EventClose        = "close"
	EventError        = "error"
	EventReconnecting = "reconnecting"
)

// ReconnectInfo is the EventReconnecting payload.
type ReconnectInfo struct {
	Attempt int
	Max     int
	Delay   time.Duration
}

// TransportError is a non-terminal wire failure; it drives the
// reconnect loop and surfaces only through emitted events.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport is one live duplex channel.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transports. The production implementation wraps
// websocket.Dialer; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer is the production Dialer.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	wsDialer := d.Dialer
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	conn, _, err := wsDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// State is the client lifecycle. StateClosed is terminal: reconnect
// attempts are exhausted and only an explicit Connect leaves it.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	URL         string
	Credentials auth.Credentials

	// BaseInterval is the first reconnect delay; attempt n waits
	// BaseInterval × 1.5^n, capped at MaxDelay.
	BaseInterval time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	HeartbeatInterval time.Duration

	// SendQueueSize bounds the FIFO of frames queued while
	// disconnected. Overflow drops the oldest frame with a warning.
	SendQueueSize int
}

func (o *Options) applyDefaults() {
	if o.BaseInterval <= 0 {
		o.BaseInterval = 3 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
}

// Client wraps one duplex connection. All callbacks fire on the
// client's internal goroutines; handlers must not block.
type Client struct {
	opts   Options
	dialer Dialer
	clock  clock.Clock
	events *bus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	transport      Transport
	reconnectCount int
	queue          []*wire.Frame
	reconnectTimer *clock.Timer
	heartbeatStop  chan struct{}
	// gen invalidates goroutines and timers from previous connection
	// attempts after a Disconnect/Connect cycle.
	gen uint64
	ctx context.Context

	writeMu sync.Mutex
}

func New(opts Options, dialer Dialer, clk clock.Clock, logger *zap.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		opts:   opts,
		dialer: dialer,
		clock:  clk,
		events: bus.New(logger),
		logger: logger,
		state:  StateIdle,
	}
}

// On subscribes to one of the client events and returns an
// unsubscribe func.
func (c *Client) On(event string, handler bus.Handler) func() {
	return c.events.Subscribe(event, handler)
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectCount reports consecutive failed attempts since the last
// successful open.
func (c *Client) ReconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCount
}

// Connect dials the relay and authenticates. It is idempotent: a
// client that is already connecting or open is left alone. A failed
// dial schedules the reconnect loop and returns the dial error; later
// outcomes surface as events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.ctx = ctx
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	transport, err := c.dialer.Dial(ctx, c.opts.URL)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			_ = transport.Close()
		}
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		c.events.Emit(EventError, &TransportError{Err: err})
		c.scheduleReconnect(gen)
		return err
	}

	c.transport = transport
	c.state = StateOpen
	// Reset exactly on transition into Open, never earlier.
	c.reconnectCount = 0
	pending := c.queue
	c.queue = nil
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	if err := c.writeFrame(wire.Auth(c.opts.Credentials)); err != nil {
		c.handleBrokenTransport(gen, err)
		return nil
	}

	// Frames queued while disconnected flush in FIFO order before any
	// new Send.
	for _, f := range pending {
		if err := c.writeFrame(f); err != nil {
			c.handleBrokenTransport(gen, err)
			return nil
		}
	}

	c.events.Emit(EventOpen, nil)
	go c.readLoop(transport, gen)
	go c.heartbeat(gen, stop)
	return nil
}

// Send transmits immediately when open; otherwise the frame joins the
// bounded FIFO queue and goes out on the next successful open.
func (c *Client) Send(f *wire.Frame) error {
	c.mu.Lock()
	if c.state != StateOpen {
		if len(c.queue) >= c.opts.SendQueueSize {
			dropped := c.queue[0]
			c.queue = c.queue[1:]
			c.logger.Warn("send queue full, dropping oldest frame",
				zap.String("dropped_type", dropped.Type),
			)
		}
		c.queue = append(c.queue, f)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		c.handleBrokenTransport(gen, err)
		return &TransportError{Err: err}
	}
	return nil
}

func (c *Client) writeFrame(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return errors.New("no transport")
	}
	// Single write mutex keeps caller sends and heartbeat pings FIFO.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the transport and disables auto-reconnect until
// the next Connect. Pending reconnect and heartbeat timers are
// cancelled; queued frames are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.state = StateIdle
	transport := c.transport
	c.transport = nil
	c.reconnectCount = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.events.Emit(EventClose, nil)
}

func (c *Client) readLoop(transport Transport, gen uint64) {
	for {
		_, data, err := transport.ReadMessage()
		if err != nil {
			c.handleBrokenTransport(gen, err)
			return
		}
		frame, decodeErr := wire.Decode(data)
		if decodeErr != nil {
			c.logger.Warn("dropping malformed inbound frame", zap.Error(decodeErr))
			continue
		}
		if frame.Type == wire.FramePing {
			// Liveness enforcement is the registry's job; ours is to
			// answer.
			_ = c.Send(wire.Pong())
			continue
		}
		if frame.Type == wire.FramePong {
			continue
		}
		c.events.Emit(EventMessage, frame)
	}
}

func (c *Client) heartbeat(gen uint64, stop chan struct{}) {
	ticker := c.clock.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			open := c.state == StateOpen && c.gen == gen
			c.mu.Unlock()
			if !open {
				return
			}
			if err := c.writeFrame(wire.Ping()); err != nil {
				c.handleBrokenTransport(gen, err)
				return
			}
		case <-stop:
			return
		}
	}
}

// handleBrokenTransport reacts to an unexpected close: it tears the
// transport down and enters the reconnect loop. Stale generations
// (already disconnected or replaced) are ignored.
func (c *Client) handleBrokenTransport(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	transport := c.transport
	c.transport = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.events.Emit(EventError, &TransportError{Err: err})
	c.scheduleReconnect(gen)
}

// scheduleReconnect applies the backoff policy: attempt n (0-based)
// waits BaseInterval × 1.5^n capped at MaxDelay; exhausting MaxAttempts
// leaves the client in terminal StateClosed until an explicit Connect.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if c.reconnectCount >= c.opts.MaxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Warn("reconnect attempts exhausted",
			zap.Int("attempts", c.opts.MaxAttempts),
		)
		c.events.Emit(EventClose, nil)
		return
	}

	delay := c.backoffDelay(c.reconnectCount)
	c.reconnectCount++
	attempt := c.reconnectCount
	c.state = StateReconnecting
	ctx := c.ctx
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.dial(ctx, gen)
	})
	c.mu.Unlock()

	c.events.Emit(EventReconnecting, ReconnectInfo{
		Attempt: attempt,
		Max:     c.opts.MaxAttempts,
		Delay:   delay,
	})
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(c.opts.BaseInterval) * math.Pow(1.5, float64(attempt)))
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	return delay
}

// QueuedFrames reports how many frames are waiting for the next open.
func (c *Client) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
