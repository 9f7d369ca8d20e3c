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

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetByID(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, tenant_id, role, email, display_name, created_at
		FROM users
		WHERE tenant_id = $1 AND id = $2`

	var u models.User
	err := s.pool.QueryRow(ctx, query, tenantID, userID).Scan(
		&u.ID,
		&u.TenantID,
		&u.Role,
		&u.Email,
		&u.DisplayName,
		&u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
