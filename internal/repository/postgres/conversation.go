package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/chatrelay/internal/models"
)

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) EnsureForCustomer(ctx context.Context, tenantID, customerID uuid.UUID) (*models.Conversation, error) {
	// One open conversation per customer, enforced by the unique index
	// on (tenant_id, customer_id). ON CONFLICT makes this an upsert so
	// concurrent first-messages from the same customer race safely.
	query := `
		INSERT INTO conversations (id, tenant_id, customer_id, unread_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, now(), now())
		ON CONFLICT (tenant_id, customer_id)
		DO UPDATE SET updated_at = now()
		RETURNING id, tenant_id, customer_id, unread_count, created_at, updated_at`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, uuid.New(), tenantID, customerID).Scan(
		&conv.ID,
		&conv.TenantID,
		&conv.CustomerID,
		&conv.UnreadCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) GetByID(ctx context.Context, tenantID, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, tenant_id, customer_id, unread_count, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND id = $2`

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, query, tenantID, conversationID).Scan(
		&conv.ID,
		&conv.TenantID,
		&conv.CustomerID,
		&conv.UnreadCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}
