package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lingo-social/internal/dto"
	"lingo-social/internal/service"
)

// ConversationHandler 私信相关的 REST 接口
type ConversationHandler struct {
	dm *service.DMService
}

// NewConversationHandler 创建 ConversationHandler 实例
func NewConversationHandler(dm *service.DMService) *ConversationHandler {
	if dm == nil {
		panic("DMService cannot be nil for ConversationHandler")
	}
	return &ConversationHandler{dm: dm}
}

type startConversationRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

// List GET /api/conversations?offset&limit
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.dm.ListConversations(c.Request.Context(), userID, queryInt(c, "offset", 0), queryInt(c, "limit", 0))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"conversations": views})
}

// Start POST /api/conversations {user_id}
func (h *ConversationHandler) Start(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "user_id is required")
		return
	}
	conv, err := h.dm.FindOrCreateConversation(c.Request.Context(), userID, req.UserID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, conv)
}

// UnreadCount GET /api/conversations/unread-count
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	total, err := h.dm.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"unread_count": total})
}

// MarkRead POST /api/conversations/:id/read {message_id}
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req dto.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message_id is required")
		return
	}
	watermark, err := h.dm.MarkRead(c.Request.Context(), convID, userID, req.MessageID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.ReadReceiptPayload{ConversationID: convID, UserID: userID, LastReadMessageID: watermark})
}

// Messages GET /api/conversations/:id/messages?cursor&limit
func (h *ConversationHandler) Messages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var cursor uint64
	if raw := c.Query("cursor"); raw != "" {
		var err error
		if cursor, err = strconv.ParseUint(raw, 10, 32); err != nil {
			badRequest(c, "Invalid cursor")
			return
		}
	}
	msgs, err := h.dm.ListMessages(c.Request.Context(), convID, userID, uint(cursor), queryInt(c, "limit", 0))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	resp := gin.H{"messages": msgs}
	if n := len(msgs); n > 0 {
		resp["next_cursor"] = msgs[n-1].ID
	}
	SuccessResponse(c, http.StatusOK, resp)
}

// Send POST /api/conversations/:id/messages
func (h *ConversationHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid message body")
		return
	}
	res, err := h.dm.SendMessage(c.Request.Context(), service.SendMessageInput{
		ConversationID: convID,
		SenderID:       userID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	SuccessResponse(c, status, res.Message)
}

// DeleteMessage DELETE /api/messages/:id
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.dm.DeleteMessage(c.Request.Context(), msgID, userID); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
