package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/chatrelay/internal/models"
)

type TenantStore struct {
	pool *pgxpool.Pool
}

func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

func (s *TenantStore) GetByID(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	query := `
		SELECT id, name, widget_key_id, widget_key_hash, created_at
		FROM tenants
		WHERE id = $1`

	return s.scanTenant(s.pool.QueryRow(ctx, query, tenantID))
}

func (s *TenantStore) GetByWidgetKeyID(ctx context.Context, widgetKeyID string) (*models.Tenant, error) {
	query := `
		SELECT id, name, widget_key_id, widget_key_hash, created_at
		FROM tenants
		WHERE widget_key_id = $1`

	return s.scanTenant(s.pool.QueryRow(ctx, query, widgetKeyID))
}

func (s *TenantStore) scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.WidgetKeyID,
		&t.WidgetKeyHash,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

func (s *TenantStore) Stats(ctx context.Context, tenantID uuid.UUID) (*models.TenantStats, error) {
	query := `
		SELECT count(*), coalesce(sum(unread_count), 0)
		FROM conversations
		WHERE tenant_id = $1`

	var stats models.TenantStats
	stats.TenantID = tenantID
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&stats.ConversationCount,
		&stats.UnreadCount,
	)
	if err != nil {
		return nil, fmt.Errorf("tenant stats: %w", err)
	}
	stats.UpdatedAt = time.Now()
	return &stats, nil
}
