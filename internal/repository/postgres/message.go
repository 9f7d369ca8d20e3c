package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/chatrelay/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Create(ctx context.Context, tenantID, conversationID, senderID uuid.UUID, senderType models.Role, body string, metadata map[string]any) (*models.Message, error) {
	// Messages use bigserial, so Postgres generates the ID and
	// RETURNING gives it back.
	query := `
		INSERT INTO messages (tenant_id, conversation_id, sender_id, sender_type, body, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, tenant_id, conversation_id, sender_id, sender_type, body, metadata, created_at`

	var msg models.Message
	err := s.pool.QueryRow(ctx, query, tenantID, conversationID, senderID, senderType, body, metadata).Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.SenderType,
		&msg.Body,
		&msg.Metadata,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, tenantID, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	// Cursor-based pagination: before=0 is the first page (newest),
	// otherwise only rows older than the cursor ID.
	var query string
	var args []any

	if before > 0 {
		query = `
			SELECT id, tenant_id, conversation_id, sender_id, sender_type, body, metadata, created_at
			FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2 AND id < $3
			ORDER BY id DESC
			LIMIT $4`
		args = []any{tenantID, conversationID, before, limit}
	} else {
		query = `
			SELECT id, tenant_id, conversation_id, sender_id, sender_type, body, metadata, created_at
			FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY id DESC
			LIMIT $3`
		args = []any{tenantID, conversationID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TenantID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderType,
			&msg.Body,
			&msg.Metadata,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
