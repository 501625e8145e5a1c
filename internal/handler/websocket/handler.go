package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/hub"
	"lingo-social/internal/middleware"
)

// WebSocketHandler 负责 WebSocket 升级并把连接交给 Hub
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	hub        *hub.Hub
	dispatcher *hub.Dispatcher
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。allowedOrigins 为空时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, dispatcher *hub.Dispatcher, allowedOrigins []string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if dispatcher == nil {
		panic("Dispatcher cannot be nil for WebSocketHandler")
	}

	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 || origins["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origins[origin]
		},
	}

	return &WebSocketHandler{upgrader: upgrader, hub: h, dispatcher: dispatcher}
}

// HandleConnection 处理 GET /ws。认证由 middleware.Auth 在升级之前完成。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		logrus.Warn("WS Handler: User ID not found in context")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "reason": "unauthenticated"})
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}

	client := hub.NewClient(h.hub, conn, userID)
	client.Run(h.dispatcher)
	logCtx.WithField("client_id", client.ID()).Info("WS Handler: Client connected")
}
