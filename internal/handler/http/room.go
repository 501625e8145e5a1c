package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/service"
)

// VoiceRoomHandler 语音房间相关的 REST 接口
type VoiceRoomHandler struct {
	voice *service.VoiceService
}

// NewVoiceRoomHandler 创建 VoiceRoomHandler 实例
func NewVoiceRoomHandler(voice *service.VoiceService) *VoiceRoomHandler {
	if voice == nil {
		panic("VoiceService cannot be nil for VoiceRoomHandler")
	}
	return &VoiceRoomHandler{voice: voice}
}

// CreateRoomRequest 定义创建房间请求的结构体
type CreateRoomRequest struct {
	Title         string `json:"title" binding:"required"`
	Topic         string `json:"topic"`
	LanguageLevel string `json:"language_level"`
	MaxSpeakers   int    `json:"max_speakers"`
}

type targetUserRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type chatRequest struct {
	Content string `json:"content" binding:"required"`
}

// List GET /api/voice-rooms?offset&limit
func (h *VoiceRoomHandler) List(c *gin.Context) {
	views, err := h.voice.ListActiveRooms(c.Request.Context(), queryInt(c, "offset", 0), queryInt(c, "limit", 0))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": views})
}

// Mine GET /api/voice-rooms/mine
func (h *VoiceRoomHandler) Mine(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.voice.ListRoomsForUser(c.Request.Context(), userID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": views})
}

// Create POST /api/voice-rooms
func (h *VoiceRoomHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "title is required")
		return
	}
	res, err := h.voice.CreateRoom(c.Request.Context(), userID, service.CreateRoomInput{
		Title:         req.Title,
		Topic:         req.Topic,
		LanguageLevel: req.LanguageLevel,
		MaxSpeakers:   req.MaxSpeakers,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": res.Room.ID}).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, res)
}

// Get GET /api/voice-rooms/:id
func (h *VoiceRoomHandler) Get(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.voice.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, view)
}

// Join POST /api/voice-rooms/:id/join
func (h *VoiceRoomHandler) Join(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		return h.voice.JoinAsListener(c.Request.Context(), roomID, userID)
	})
}

// Leave DELETE|POST /api/voice-rooms/:id/leave
func (h *VoiceRoomHandler) Leave(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		return h.voice.Leave(c.Request.Context(), roomID, userID)
	})
}

// Close DELETE /api/voice-rooms/:id
func (h *VoiceRoomHandler) Close(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		if err := h.voice.Close(c.Request.Context(), roomID, userID); err != nil {
			return nil, err
		}
		return gin.H{"room_id": roomID, "status": "closed"}, nil
	})
}

// RequestStage POST /api/voice-rooms/:id/request-stage
func (h *VoiceRoomHandler) RequestStage(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		return h.voice.RequestStage(c.Request.Context(), roomID, userID)
	})
}

// CancelStageRequest DELETE /api/voice-rooms/:id/request-stage
func (h *VoiceRoomHandler) CancelStageRequest(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		if err := h.voice.CancelStageRequest(c.Request.Context(), roomID, userID); err != nil {
			return nil, err
		}
		return gin.H{"room_id": roomID, "status": "cancelled"}, nil
	})
}

// StageRequests GET /api/voice-rooms/:id/stage-requests
func (h *VoiceRoomHandler) StageRequests(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		reqs, err := h.voice.ListStageRequests(c.Request.Context(), roomID, userID)
		if err != nil {
			return nil, err
		}
		return gin.H{"requests": reqs}, nil
	})
}

// GrantStage POST /api/voice-rooms/:id/grant-stage {user_id}
func (h *VoiceRoomHandler) GrantStage(c *gin.Context) {
	var req targetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "user_id is required")
		return
	}
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		res, err := h.voice.PromoteToSpeaker(c.Request.Context(), roomID, userID, req.UserID)
		if err != nil {
			return nil, err
		}
		res.Credential = nil
		return res, nil
	})
}

// RemoveFromStage POST /api/voice-rooms/:id/remove-from-stage {user_id}
func (h *VoiceRoomHandler) RemoveFromStage(c *gin.Context) {
	var req targetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "user_id is required")
		return
	}
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		res, err := h.voice.DemoteToListener(c.Request.Context(), roomID, userID, req.UserID)
		if err != nil {
			return nil, err
		}
		res.Credential = nil
		return res, nil
	})
}

// LeaveStage POST /api/voice-rooms/:id/leave-stage
func (h *VoiceRoomHandler) LeaveStage(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		return h.voice.LeaveStage(c.Request.Context(), roomID, userID)
	})
}

// SetMute POST /api/voice-rooms/:id/mute {muted}
func (h *VoiceRoomHandler) SetMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "muted is required")
		return
	}
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		if err := h.voice.SetMuted(c.Request.Context(), roomID, userID, req.Muted); err != nil {
			return nil, err
		}
		return gin.H{"room_id": roomID, "muted": req.Muted}, nil
	})
}

// ListChat GET /api/voice-rooms/:id/messages?limit
func (h *VoiceRoomHandler) ListChat(c *gin.Context) {
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		msgs, err := h.voice.ListChat(c.Request.Context(), roomID, userID, queryInt(c, "limit", 0))
		if err != nil {
			return nil, err
		}
		return gin.H{"messages": msgs}, nil
	})
}

// SendChat POST /api/voice-rooms/:id/messages {content}
func (h *VoiceRoomHandler) SendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "content is required")
		return
	}
	h.withRoom(c, func(userID, roomID uint) (interface{}, error) {
		return h.voice.SendChat(c.Request.Context(), roomID, userID, req.Content)
	})
}

// withRoom 解析当前用户与房间 ID，执行 fn 并输出结果
func (h *VoiceRoomHandler) withRoom(c *gin.Context, fn func(userID, roomID uint) (interface{}, error)) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := fn(userID, roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, result)
}
