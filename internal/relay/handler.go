package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to relay connections.
//
// The upgrade itself is unauthenticated: the widget is embedded on
// arbitrary merchant origins and the console may not have a token in a
// header-friendly place, so credentials travel in the first auth frame
// instead of the handshake.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The widget runs on merchant storefronts; origin alone
			// proves nothing. Auth is frame-level.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Connect handles GET /ws.
func (h *Handler) Connect(c *gin.Context) {
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := h.registry.Accept(wsConn)
	h.registry.Serve(c.Request.Context(), conn)
}
