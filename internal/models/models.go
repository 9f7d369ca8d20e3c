package models

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two parties on a tenant's channel.
// Customers connect through the embedded widget; staff connect
// through the agent console.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// Tenant is the isolation boundary: one merchant account whose widget
// and staff console share a single channel namespace. Every user,
// conversation, and message belongs to exactly one tenant.
//
// WidgetKeyHash is the bcrypt hash of the tenant's widget key. The
// embedded widget presents the plaintext key during authentication;
// we never store the plaintext.
type Tenant struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	WidgetKeyID   string    `json:"widget_key_id"`
	WidgetKeyHash string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// User is a person within a tenant, customer or staff. Customers are
// created lazily the first time a visitor opens the widget.
type User struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Role        Role      `json:"role"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation groups the messages between one customer and the
// tenant's staff. There is at most one open conversation per customer.
type Conversation struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	UnreadCount int       `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is a single chat message.
//
// ID is bigserial rather than UUID: messages are the highest-volume
// table, and a monotonically increasing int64 doubles as the pagination
// cursor.
type Message struct {
	ID             int64          `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	SenderID       uuid.UUID      `json:"sender_id"`
	SenderType     Role           `json:"sender_type"`
	Body           string         `json:"body"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TenantStats is the per-tenant aggregate the sync cache keeps warm for
// the agent console's shop list.
type TenantStats struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	ConversationCount int       `json:"conversation_count"`
	UnreadCount       int       `json:"unread_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}
