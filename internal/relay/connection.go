package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/wire"
)

// Conn is the duplex transport under a relay connection. The production
// implementation is *websocket.Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State is the per-connection lifecycle:
// Connecting → Authenticated → Closing → Closed, with AuthFailed a
// terminal variant of Connecting. Any state may jump straight to
// Closed on a transport error.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

var errSendBufferFull = errors.New("send buffer full")
var errConnectionClosed = errors.New("connection closed")

// Connection is one live duplex channel. Outbound frames go through a
// buffered channel drained by a single write pump, which preserves FIFO
// order per connection and keeps WriteMessage single-writer.
type Connection struct {
	ID        uuid.UUID
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	userID     uuid.UUID
	tenantID   uuid.UUID
	role       models.Role
	lastPongAt time.Time

	conn      Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newConnection(conn Conn, sendBuffer int, now time.Time, logger *zap.Logger) *Connection {
	c := &Connection{
		ID:         uuid.New(),
		CreatedAt:  now,
		state:      StateConnecting,
		lastPongAt: now,
		conn:       conn,
		sendCh:     make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	c.logger = logger.With(zap.String("connection_id", c.ID.String()))
	go c.writePump()
	return c
}

// writePump is the only writer on the transport. After close it drains
// whatever is still queued (so a final error frame reaches the peer)
// and then closes the transport, which also unblocks the read loop.
func (c *Connection) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("transport close", zap.Error(err))
		}
	}()
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close(StateClosed)
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.sendCh:
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Send queues a frame for transmission. It fails fast when the
// connection is closed or the peer cannot drain its buffer; the caller
// decides whether that is fatal (slow staff consumers get dropped by
// the registry).
func (c *Connection) Send(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return errSendBufferFull
	}
}

// close transitions the connection to a terminal state and signals the
// write pump to drain and shut the transport. Safe to call from any
// goroutine, any number of times.
func (c *Connection) close(terminal State) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = terminal
		c.mu.Unlock()
		close(c.done)
	})
}

// bind attaches the verified identity. The tenant ID never changes
// afterwards.
func (c *Connection) bind(userID, tenantID uuid.UUID, role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.tenantID = tenantID
	c.role = role
	c.state = StateAuthenticated
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Authenticated() bool {
	return c.State() == StateAuthenticated
}

func (c *Connection) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) TenantID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

func (c *Connection) Role() models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Connection) touchPong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = now
}

func (c *Connection) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}
