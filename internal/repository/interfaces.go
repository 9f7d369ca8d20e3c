package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/lalith-99/chatrelay/internal/models"
)

// Every method takes ctx (all of these hit the network) and is scoped
// by tenantID: even with a guessed conversation UUID, a caller cannot
// cross a tenant boundary. The relay extracts tenantID from the
// authenticated connection and passes it down; the repository never
// trusts anything else.

// MessageRepository is the Message Store the relay persists through.
// Routing calls it synchronously but treats failures as non-fatal: a
// persistence error is surfaced to the sender as a failed-delivery ack,
// never as a dropped connection.
type MessageRepository interface {
	// Create persists a message and returns it with ID and CreatedAt
	// populated.
	Create(ctx context.Context, tenantID, conversationID, senderID uuid.UUID, senderType models.Role, body string, metadata map[string]any) (*models.Message, error)

	// ListByConversation returns messages newest first. before=0 means
	// "from the latest"; otherwise only messages with ID < before.
	ListByConversation(ctx context.Context, tenantID, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error)
}

// ConversationRepository resolves and maintains the one-open-
// conversation-per-customer mapping.
type ConversationRepository interface {
	// EnsureForCustomer returns the customer's open conversation,
	// creating it if absent.
	EnsureForCustomer(ctx context.Context, tenantID, customerID uuid.UUID) (*models.Conversation, error)

	// GetByID returns nil, nil if not found within the tenant.
	GetByID(ctx context.Context, tenantID, conversationID uuid.UUID) (*models.Conversation, error)
}

// TenantRepository handles tenant records and aggregates.
type TenantRepository interface {
	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)

	// GetByWidgetKeyID resolves the tenant a widget key belongs to.
	// Returns nil, nil if the key ID is unknown.
	GetByWidgetKeyID(ctx context.Context, widgetKeyID string) (*models.Tenant, error)

	// Stats computes the conversation/unread aggregate the sync cache
	// keeps warm.
	Stats(ctx context.Context, tenantID uuid.UUID) (*models.TenantStats, error)
}

// UserRepository handles user data.
type UserRepository interface {
	// GetByID returns a user by ID, scoped to the tenant. nil, nil if
	// not found.
	GetByID(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error)
}
