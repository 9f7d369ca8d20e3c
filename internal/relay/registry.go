package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/bus"
	"github.com/lalith-99/chatrelay/internal/events"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/repository"
	"github.com/lalith-99/chatrelay/internal/wire"
)

// PersistenceError marks a Message Store failure during routing. It is
// logged and surfaced to the sender as a delivery-failed ack; the
// connection stays open.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

const deliveryFailedMsg = "message delivery failed"

// Options tunes the registry.
type Options struct {
	// HeartbeatInterval is the sweep period. Connections silent for two
	// intervals are closed.
	HeartbeatInterval time.Duration

	// SendBuffer is the per-connection outbound queue depth.
	SendBuffer int
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Registry accepts authenticated duplex connections and routes messages
// between customers and staff within a tenant. All index mutations go
// through one mutex: concurrent connects and disconnects for the same
// tenant are expected under load, and the two indices must never
// disagree.
type Registry struct {
	verifier      auth.Verifier
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	eventBus      *bus.Bus
	clock         clock.Clock
	logger        *zap.Logger
	opts          Options

	mu      sync.Mutex
	conns   map[uuid.UUID]*Connection
	byUser  map[uuid.UUID]*Connection
	tenants map[uuid.UUID]map[uuid.UUID]*Connection
}

func NewRegistry(
	verifier auth.Verifier,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	eventBus *bus.Bus,
	clk clock.Clock,
	logger *zap.Logger,
	opts Options,
) *Registry {
	opts.applyDefaults()
	return &Registry{
		verifier:      verifier,
		messages:      messages,
		conversations: conversations,
		eventBus:      eventBus,
		clock:         clk,
		logger:        logger,
		opts:          opts,
		conns:         make(map[uuid.UUID]*Connection),
		byUser:        make(map[uuid.UUID]*Connection),
		tenants:       make(map[uuid.UUID]map[uuid.UUID]*Connection),
	}
}

// Accept wraps a freshly upgraded transport in an unauthenticated
// Connection and registers it for sweeping: a client that upgrades and
// never authenticates must still be reaped by the heartbeat sweep, or
// it pins its goroutine and socket forever. The caller owns the read
// loop via Serve.
func (r *Registry) Accept(conn Conn) *Connection {
	c := newConnection(conn, r.opts.SendBuffer, r.clock.Now(), r.logger)
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	r.logger.Debug("connection accepted", zap.String("connection_id", c.ID.String()))
	return c
}

// Serve runs the connection's read loop until the transport fails or
// the connection is closed. It always removes the connection from the
// indices on the way out.
func (r *Registry) Serve(ctx context.Context, c *Connection) {
	defer r.Remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close(StateClosed)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			_ = c.Send(wire.Error("malformed frame"))
			continue
		}
		r.dispatch(ctx, c, frame)
	}
}

func (r *Registry) dispatch(ctx context.Context, c *Connection, f *wire.Frame) {
	switch f.Type {
	case wire.FrameAuth:
		if f.Credentials == nil {
			_ = c.Send(wire.Error("missing credentials"))
			return
		}
		_ = r.Authenticate(ctx, c, *f.Credentials)

	case wire.FramePing, wire.FramePong:
		c.touchPong(r.clock.Now())
		if f.Type == wire.FramePing {
			_ = c.Send(wire.Pong())
		}

	case wire.FrameSendMessage:
		if !c.Authenticated() {
			_ = c.Send(wire.Error("not authenticated"))
			return
		}
		if c.Role() == models.RoleStaff {
			target, err := uuid.Parse(f.TargetUserID)
			if err != nil {
				_ = c.Send(wire.Error("missing or invalid target user"))
				return
			}
			r.RouteStaffReply(ctx, c, target, f.Content, f.Metadata)
		} else {
			r.RouteCustomerMessage(ctx, c, f.Content, f.Metadata)
		}

	case wire.FrameTyping:
		if !c.Authenticated() || f.IsTyping == nil {
			return
		}
		r.RouteTyping(c, *f.IsTyping, f.TargetUserID)

	default:
		_ = c.Send(wire.Error("unknown frame type: " + f.Type))
	}
}

// Authenticate verifies the credentials and, on success, registers the
// connection in the user and tenant indices. Failure is terminal: the
// error ack is queued and the connection closes with no retry.
func (r *Registry) Authenticate(ctx context.Context, c *Connection, creds auth.Credentials) error {
	if c.State() != StateConnecting {
		_ = c.Send(wire.Error("already authenticated"))
		return errors.New("authenticate: connection not in connecting state")
	}

	identity, err := r.verifier.Verify(ctx, creds)
	if err != nil {
		reason := "authentication failed"
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		} else {
			r.logger.Error("verifier error", zap.Error(err))
		}
		_ = c.Send(wire.Error(reason))
		c.close(StateAuthFailed)
		r.Remove(c)
		return fmt.Errorf("authenticate: %w", err)
	}

	c.bind(identity.UserID, identity.TenantID, identity.Role)

	var replaced *Connection
	r.mu.Lock()
	if prev, ok := r.byUser[identity.UserID]; ok && prev != c {
		r.removeLocked(prev)
		replaced = prev
	}
	// Already in conns since Accept; only the identity indices are new.
	r.byUser[identity.UserID] = c
	set, ok := r.tenants[identity.TenantID]
	if !ok {
		set = make(map[uuid.UUID]*Connection)
		r.tenants[identity.TenantID] = set
	}
	set[identity.UserID] = c
	r.mu.Unlock()

	if replaced != nil {
		replaced.close(StateClosed)
	}

	_ = c.Send(wire.AuthSuccess(c.ID))

	r.logger.Info("connection authenticated",
		zap.String("connection_id", c.ID.String()),
		zap.String("user_id", identity.UserID.String()),
		zap.String("tenant_id", identity.TenantID.String()),
		zap.String("role", string(identity.Role)),
	)

	switch identity.Role {
	case models.RoleStaff:
		r.broadcastStaffStatus(identity.TenantID)
	case models.RoleCustomer:
		online := r.StaffOnline(identity.TenantID)
		_ = c.Send(wire.StaffStatus(online))
	}
	return nil
}

// RouteCustomerMessage persists the customer's message and fans it out
// to every staff connection under the same tenant. No staff connected
// is a no-op, not an error. A persistence failure keeps the connection
// open: the sender gets a delivery-failed ack and nothing is fanned
// out.
func (r *Registry) RouteCustomerMessage(ctx context.Context, c *Connection, content string, metadata map[string]any) {
	tenantID, userID := c.TenantID(), c.UserID()

	msg, err := r.persistCustomerMessage(ctx, tenantID, userID, content, metadata)
	if err != nil {
		r.logger.Error("customer message not persisted", zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
			zap.String("user_id", userID.String()),
		)
		_ = c.Send(wire.Error(deliveryFailedMsg))
		return
	}

	frame := wire.NewMessage(msg)
	for _, sc := range r.staffConnections(tenantID) {
		if err := sc.Send(frame); err != nil {
			// Slow or dying staff connection; drop it, never bounce the
			// error back to the customer.
			r.logger.Warn("staff fan-out failed, dropping connection",
				zap.String("connection_id", sc.ID.String()), zap.Error(err))
			sc.close(StateClosed)
			r.Remove(sc)
		}
	}

	r.eventBus.Emit(events.MessageNew, msg)
	r.eventBus.Emit(events.ShopStatsUpdated, events.StatsUpdate{TenantID: tenantID})
}

func (r *Registry) persistCustomerMessage(ctx context.Context, tenantID, userID uuid.UUID, content string, metadata map[string]any) (*models.Message, error) {
	conv, err := r.conversations.EnsureForCustomer(ctx, tenantID, userID)
	if err != nil {
		return nil, &PersistenceError{Op: "conversation", Err: err}
	}
	msg, err := r.messages.Create(ctx, tenantID, conv.ID, userID, models.RoleCustomer, content, metadata)
	if err != nil {
		return nil, &PersistenceError{Op: "message", Err: err}
	}
	return msg, nil
}

// RouteStaffReply persists the reply and delivers it to the target
// customer's live connection. An offline target is a silent deferral:
// the customer catches up over the history API on reconnect.
func (r *Registry) RouteStaffReply(ctx context.Context, c *Connection, targetUserID uuid.UUID, content string, metadata map[string]any) {
	tenantID, staffID := c.TenantID(), c.UserID()

	conv, err := r.conversations.EnsureForCustomer(ctx, tenantID, targetUserID)
	if err != nil {
		r.logger.Error("staff reply not persisted", zap.Error(&PersistenceError{Op: "conversation", Err: err}))
		_ = c.Send(wire.Error(deliveryFailedMsg))
		return
	}
	msg, err := r.messages.Create(ctx, tenantID, conv.ID, staffID, models.RoleStaff, content, metadata)
	if err != nil {
		r.logger.Error("staff reply not persisted", zap.Error(&PersistenceError{Op: "message", Err: err}))
		_ = c.Send(wire.Error(deliveryFailedMsg))
		return
	}

	r.mu.Lock()
	target, online := r.byUser[targetUserID]
	if online && target.TenantID() != tenantID {
		target, online = nil, false
	}
	r.mu.Unlock()

	if online {
		if err := target.Send(wire.NewMessage(msg)); err != nil {
			r.logger.Warn("customer delivery failed, dropping connection",
				zap.String("connection_id", target.ID.String()), zap.Error(err))
			target.close(StateClosed)
			r.Remove(target)
		}
	}

	r.eventBus.Emit(events.MessageNew, msg)
	r.eventBus.Emit(events.ShopStatsUpdated, events.StatsUpdate{TenantID: tenantID})
}

// RouteTyping relays a typing indicator. Customer indicators fan out to
// the tenant's staff; staff indicators go to the addressed customer.
func (r *Registry) RouteTyping(c *Connection, isTyping bool, targetUserID string) {
	frame := wire.Typing(c.UserID(), isTyping)

	if c.Role() == models.RoleCustomer {
		for _, sc := range r.staffConnections(c.TenantID()) {
			_ = sc.Send(frame)
		}
		return
	}

	target, err := uuid.Parse(targetUserID)
	if err != nil {
		return
	}
	r.mu.Lock()
	tc, ok := r.byUser[target]
	if ok && tc.TenantID() != c.TenantID() {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		_ = tc.Send(frame)
	}
}

// Remove atomically purges the connection from every index and closes
// it. Destroying one connection never touches other registry state.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	_, registered := r.conns[c.ID]
	if registered {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	c.close(StateClosed)

	if registered && c.Role() == models.RoleStaff {
		r.broadcastStaffStatus(c.TenantID())
	}
}

// removeLocked purges index entries only; the caller holds the mutex
// and closes the connection itself.
func (r *Registry) removeLocked(c *Connection) {
	delete(r.conns, c.ID)
	userID, tenantID := c.UserID(), c.TenantID()
	if r.byUser[userID] == c {
		delete(r.byUser, userID)
	}
	if set, ok := r.tenants[tenantID]; ok {
		if set[userID] == c {
			delete(set, userID)
		}
		if len(set) == 0 {
			delete(r.tenants, tenantID)
		}
	}
}

// broadcastStaffStatus tells every connected customer of the tenant
// whether any staff is currently online.
func (r *Registry) broadcastStaffStatus(tenantID uuid.UUID) {
	online := r.StaffOnline(tenantID)
	frame := wire.StaffStatus(online)

	r.mu.Lock()
	customers := make([]*Connection, 0)
	for _, conn := range r.tenants[tenantID] {
		if conn.Role() == models.RoleCustomer {
			customers = append(customers, conn)
		}
	}
	r.mu.Unlock()

	for _, cc := range customers {
		_ = cc.Send(frame)
	}
}

// StaffOnline reports whether the tenant has at least one live staff
// connection.
func (r *Registry) StaffOnline(tenantID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.tenants[tenantID] {
		if conn.Role() == models.RoleStaff {
			return true
		}
	}
	return false
}

func (r *Registry) staffConnections(tenantID uuid.UUID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	staff := make([]*Connection, 0)
	for _, conn := range r.tenants[tenantID] {
		if conn.Role() == models.RoleStaff {
			staff = append(staff, conn)
		}
	}
	return staff
}

// TenantUsers returns the user IDs currently connected under a tenant
// (the tenant channel set).
func (r *Registry) TenantUsers(tenantID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]uuid.UUID, 0, len(r.tenants[tenantID]))
	for userID := range r.tenants[tenantID] {
		users = append(users, userID)
	}
	return users
}

// UserConnection returns the live connection for a user, if any.
func (r *Registry) UserConnection(userID uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// ConnectionCount reports accepted connections, authenticated or not.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// HeartbeatSweep closes every connection that has shown no liveness for
// two heartbeat intervals. It never panics outward: a faulty sweep must
// not corrupt the registry or kill the sweeper goroutine.
func (r *Registry) HeartbeatSweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("heartbeat sweep panicked", zap.Any("panic", rec))
		}
	}()

	cutoff := r.clock.Now().Add(-2 * r.opts.HeartbeatInterval)

	r.mu.Lock()
	stale := make([]*Connection, 0)
	for _, c := range r.conns {
		if c.LastPongAt().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.logger.Info("closing unresponsive connection",
			zap.String("connection_id", c.ID.String()),
			zap.Time("last_pong_at", c.LastPongAt()),
		)
		c.close(StateClosed)
		r.Remove(c)
	}
}

// StartSweeper runs HeartbeatSweep on the configured interval until ctx
// is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := r.clock.Ticker(r.opts.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.HeartbeatSweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}
