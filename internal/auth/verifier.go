package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/repository"
)

// Error is the terminal authentication failure: the relay closes the
// connection with no retry. The reason is safe to echo to the client.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "auth: " + e.Reason
}

// Credentials is the union carried by the wire auth frame. Staff send a
// JWT; widget customers send their tenant's widget key plus a stable
// visitor ID the widget generates and stores client-side.
type Credentials struct {
	Token string `json:"token,omitempty"`

	WidgetKeyID string `json:"widget_key_id,omitempty"`
	WidgetKey   string `json:"widget_key,omitempty"`
	VisitorID   string `json:"visitor_id,omitempty"`
}

// Identity is the result of successful verification. TenantID is
// immutable for the lifetime of the connection it authenticates.
type Identity struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     models.Role
}

// Verifier is the auth/session collaborator the relay consumes.
type Verifier interface {
	Verify(ctx context.Context, creds Credentials) (*Identity, error)
}

// Service verifies both credential kinds. Staff tokens are validated
// locally against the shared JWT secret; widget keys are bcrypt-checked
// against the tenant record.
type Service struct {
	tenants   repository.TenantRepository
	jwtSecret string
	logger    *zap.Logger
}

func NewService(tenants repository.TenantRepository, jwtSecret string, logger *zap.Logger) *Service {
	return &Service{
		tenants:   tenants,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

func (s *Service) Verify(ctx context.Context, creds Credentials) (*Identity, error) {
	switch {
	case creds.Token != "":
		return s.verifyStaff(creds.Token)
	case creds.WidgetKeyID != "":
		return s.verifyCustomer(ctx, creds)
	default:
		return nil, &Error{Reason: "missing credentials"}
	}
}

func (s *Service) verifyStaff(token string) (*Identity, error) {
	claims, err := ParseToken(token, s.jwtSecret)
	if err != nil {
		return nil, &Error{Reason: "invalid or expired token"}
	}
	if claims.Role != models.RoleStaff {
		return nil, &Error{Reason: "token is not a staff token"}
	}
	return &Identity{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Role:     models.RoleStaff,
	}, nil
}

func (s *Service) verifyCustomer(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.WidgetKey == "" || creds.VisitorID == "" {
		return nil, &Error{Reason: "incomplete widget credentials"}
	}

	tenant, err := s.tenants.GetByWidgetKeyID(ctx, creds.WidgetKeyID)
	if err != nil {
		return nil, fmt.Errorf("look up widget key: %w", err)
	}
	if tenant == nil {
		return nil, &Error{Reason: "unknown widget key"}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tenant.WidgetKeyHash), []byte(creds.WidgetKey)); err != nil {
		s.logger.Warn("widget key mismatch",
			zap.String("widget_key_id", creds.WidgetKeyID),
			zap.String("tenant_id", tenant.ID.String()),
		)
		return nil, &Error{Reason: "invalid widget key"}
	}

	return &Identity{
		UserID:   CustomerUserID(tenant.ID, creds.VisitorID),
		TenantID: tenant.ID,
		Role:     models.RoleCustomer,
	}, nil
}

// CustomerUserID derives a stable user ID from the visitor ID the
// widget persists in local storage, namespaced by tenant so the same
// visitor ID on two shops yields two users.
func CustomerUserID(tenantID uuid.UUID, visitorID string) uuid.UUID {
	return uuid.NewSHA1(tenantID, []byte(visitorID))
}
