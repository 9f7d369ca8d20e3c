package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/repository"
)

// MessageHandler serves conversation history. Live delivery happens on
// the relay channel; this is the fetch path a customer hits after a
// reconnect, and the console's scrollback.
type MessageHandler struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	logger        *zap.Logger
}

func NewMessageHandler(messages repository.MessageRepository, conversations repository.ConversationRepository, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, conversations: conversations, logger: logger}
}

// List handles GET /v1/conversations/:id/messages?before=123&limit=50
//
// Cursor pagination: "before" is a message ID, 0 means newest; "limit"
// defaults to 50, capped at 100. Customers may only read their own
// conversation.
func (h *MessageHandler) List(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	var before int64
	if b := c.Query("before"); b != "" {
		before, err = strconv.ParseInt(b, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 100 {
			limit = 100
		}
	}

	tenantID := middleware.GetTenantID(c)

	conv, err := h.conversations.GetByID(c.Request.Context(), tenantID, conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if middleware.GetRole(c) == models.RoleCustomer && conv.CustomerID != middleware.GetUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your conversation"})
		return
	}

	messages, err := h.messages.ListByConversation(c.Request.Context(), tenantID, conversationID, before, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

// Resolve handles GET /v1/conversations/mine, the widget's first call
// after authenticating. It resolves the customer's open conversation,
// creating it if needed.
func (h *MessageHandler) Resolve(c *gin.Context) {
	if middleware.GetRole(c) != models.RoleCustomer {
		c.JSON(http.StatusForbidden, gin.H{"error": "customers only"})
		return
	}

	conv, err := h.conversations.EnsureForCustomer(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to resolve conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}
