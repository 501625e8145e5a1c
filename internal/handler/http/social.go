package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lingo-social/internal/service"
)

// SocialHandler 屏蔽接口
type SocialHandler struct {
	social *service.SocialService
}

// NewSocialHandler 创建 SocialHandler 实例
func NewSocialHandler(social *service.SocialService) *SocialHandler {
	if social == nil {
		panic("SocialService cannot be nil for SocialHandler")
	}
	return &SocialHandler{social: social}
}

// Block POST /api/users/:id/block
func (h *SocialHandler) Block(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	targetID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.social.Block(c.Request.Context(), userID, targetID); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"blocked_id": targetID, "blocked": true})
}

// Unblock DELETE /api/users/:id/block
func (h *SocialHandler) Unblock(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	targetID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.social.Unblock(c.Request.Context(), userID, targetID); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"blocked_id": targetID, "blocked": false})
}
