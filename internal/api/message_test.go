package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/models"
)

const testSecret = "api-test-secret"

type fakeMessages struct {
	byConversation map[uuid.UUID][]models.Message
}

func (f *fakeMessages) Create(_ context.Context, tenantID, conversationID, senderID uuid.UUID, senderType models.Role, body string, _ map[string]any) (*models.Message, error) {
	msg := models.Message{
		ID:             int64(len(f.byConversation[conversationID]) + 1),
		TenantID:       tenantID,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderType:     senderType,
		Body:           body,
	}
	f.byConversation[conversationID] = append(f.byConversation[conversationID], msg)
	return &msg, nil
}

func (f *fakeMessages) ListByConversation(_ context.Context, tenantID, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	var out []models.Message
	msgs := f.byConversation[conversationID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if m.TenantID != tenantID {
			continue
		}
		if before > 0 && m.ID >= before {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type fakeConversations struct {
	byID map[uuid.UUID]*models.Conversation
}

func (f *fakeConversations) EnsureForCustomer(_ context.Context, tenantID, customerID uuid.UUID) (*models.Conversation, error) {
	for _, conv := range f.byID {
		if conv.TenantID == tenantID && conv.CustomerID == customerID {
			return conv, nil
		}
	}
	conv := &models.Conversation{ID: uuid.New(), TenantID: tenantID, CustomerID: customerID}
	f.byID[conv.ID] = conv
	return conv, nil
}

func (f *fakeConversations) GetByID(_ context.Context, tenantID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, ok := f.byID[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, nil
	}
	return conv, nil
}

type apiFixture struct {
	router        *gin.Engine
	messages      *fakeMessages
	conversations *fakeConversations
	tenantID      uuid.UUID
	customerID    uuid.UUID
	conversation  *models.Conversation
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		messages:      &fakeMessages{byConversation: make(map[uuid.UUID][]models.Message)},
		conversations: &fakeConversations{byID: make(map[uuid.UUID]*models.Conversation)},
		tenantID:      uuid.New(),
		customerID:    uuid.New(),
	}
	conv, err := f.conversations.EnsureForCustomer(context.Background(), f.tenantID, f.customerID)
	require.NoError(t, err)
	f.conversation = conv

	handler := NewMessageHandler(f.messages, f.conversations, zap.NewNop())
	f.router = gin.New()
	v1 := f.router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(testSecret))
	v1.GET("/conversations/mine", handler.Resolve)
	v1.GET("/conversations/:id/messages", handler.List)
	return f
}

func (f *apiFixture) token(t *testing.T, userID uuid.UUID, role models.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, f.tenantID, role, "", testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestListMessagesNewestFirst(t *testing.T) {
	f := newAPIFixture(t)
	for _, body := range []string{"first", "second", "third"} {
		_, err := f.messages.Create(context.Background(), f.tenantID, f.conversation.ID, f.customerID, models.RoleCustomer, body, nil)
		require.NoError(t, err)
	}

	w := f.get(t, "/v1/conversations/"+f.conversation.ID.String()+"/messages", f.token(t, uuid.New(), models.RoleStaff))
	require.Equal(t, http.StatusOK, w.Code)

	var got []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "third", got[0].Body)
	assert.Equal(t, "first", got[2].Body)
}

func TestListMessagesCursor(t *testing.T) {
	f := newAPIFixture(t)
	for _, body := range []string{"first", "second", "third"} {
		_, err := f.messages.Create(context.Background(), f.tenantID, f.conversation.ID, f.customerID, models.RoleCustomer, body, nil)
		require.NoError(t, err)
	}

	w := f.get(t, "/v1/conversations/"+f.conversation.ID.String()+"/messages?before=3&limit=1", f.token(t, uuid.New(), models.RoleStaff))
	require.Equal(t, http.StatusOK, w.Code)

	var got []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Body)
}

func TestListMessagesCustomerScoping(t *testing.T) {
	f := newAPIFixture(t)
	path := "/v1/conversations/" + f.conversation.ID.String() + "/messages"

	// The conversation's own customer may read it.
	assert.Equal(t, http.StatusOK, f.get(t, path, f.token(t, f.customerID, models.RoleCustomer)).Code)

	// A different customer of the same tenant may not.
	assert.Equal(t, http.StatusForbidden, f.get(t, path, f.token(t, uuid.New(), models.RoleCustomer)).Code)
}

func TestListMessagesUnknownConversation(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/v1/conversations/"+uuid.NewString()+"/messages", f.token(t, uuid.New(), models.RoleStaff))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveCreatesConversation(t *testing.T) {
	f := newAPIFixture(t)
	newCustomer := uuid.New()

	w := f.get(t, "/v1/conversations/mine", f.token(t, newCustomer, models.RoleCustomer))
	require.Equal(t, http.StatusOK, w.Code)

	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.Equal(t, newCustomer, conv.CustomerID)

	// Same customer resolves to the same conversation.
	w = f.get(t, "/v1/conversations/mine", f.token(t, newCustomer, models.RoleCustomer))
	var again models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, conv.ID, again.ID)
}

func TestResolveRejectsStaff(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/v1/conversations/mine", f.token(t, uuid.New(), models.RoleStaff))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
