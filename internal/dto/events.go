// Package dto 定义 WebSocket 事件的信封与载荷结构，以及 HTTP 请求体。
package dto

import (
	"encoding/json"
	"time"

	"lingo-social/internal/domain"
)

// 客户端 -> 服务端事件
const (
	EventJoinConversation  = "dm:join_conversation"
	EventLeaveConversation = "dm:leave_conversation"
	EventSendMessage       = "dm:send_message"
	EventTypingStart       = "dm:typing_start"
	EventTypingStop        = "dm:typing_stop"
	EventMarkRead          = "dm:mark_read"
	EventDeleteMessage     = "dm:delete_message"

	EventJoinVoiceRoom   = "voice:join_room"
	EventLeaveVoiceRoom  = "voice:leave_room"
	EventJoinLobby       = "voice:join_lobby"
	EventLeaveLobby      = "voice:leave_lobby"
	EventRequestStage    = "voice:request_stage"
	EventCancelStage     = "voice:cancel_stage_request"
	EventGrantStage      = "voice:grant_stage"
	EventRemoveFromStage = "voice:remove_from_stage"
	EventLeaveStage      = "voice:leave_stage"
	EventSetMute         = "voice:set_mute"
	EventSendChat        = "voice:send_message"

	EventHeartbeat = "presence:heartbeat"
)

// 服务端 -> 客户端事件
const (
	EventNewMessage          = "dm:new_message"
	EventTyping              = "dm:typing"
	EventReadReceipt         = "dm:read_receipt"
	EventMessageDeleted      = "dm:message_deleted"
	EventConversationUpdated = "dm:conversation_updated"
	EventUserOnline          = "dm:user_online"
	EventUserOffline         = "dm:user_offline"

	EventParticipantJoined   = "voice:participant_joined"
	EventParticipantLeft     = "voice:participant_left"
	EventRoleChanged         = "voice:role_changed"
	EventStageRequest        = "voice:stage_request"
	EventStageRequestRevoked = "voice:stage_request_cancelled"
	EventStageGranted        = "voice:stage_granted"
	EventStageRemoved        = "voice:stage_removed"
	EventRoomClosed          = "voice:room_closed"
	EventRoomCreated         = "voice:room_created"
	EventChatMessage         = "voice:new_message"
	EventMuteChanged         = "voice:mute_changed"
	EventCredential          = "voice:credential"

	EventAck   = "ack"
	EventError = "error"
)

// 双向中继事件，不落库
const (
	EventCharacterPosition = "voice:character_position"
	EventReaction          = "voice:reaction"
	EventGesture           = "voice:gesture"
)

// Inbound 客户端发来的事件信封
type Inbound struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Outbound 服务端推送的事件信封
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Ack 对带 ack_id 的请求的应答
type Ack struct {
	Event string      `json:"event"`
	AckID string      `json:"ack_id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorDTO   `json:"error,omitempty"`
}

// ErrorDTO 表示发送给客户端的错误
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- 入站载荷 ---

type ConversationRef struct {
	ConversationID uint `json:"conversation_id"`
}

type RoomRef struct {
	RoomID uint `json:"room_id"`
}

type RoomTarget struct {
	RoomID uint `json:"room_id"`
	UserID uint `json:"user_id"`
}

// SendMessageRequest 同时用于 WebSocket 与 HTTP。
// ConversationID 与 RecipientID 二选一；只给 RecipientID 时会先查找或创建会话。
type SendMessageRequest struct {
	ConversationID uint               `json:"conversation_id"`
	RecipientID    uint               `json:"recipient_id"`
	Type           domain.MessageType `json:"type"`
	Content        string             `json:"content"`
	MediaURL       string             `json:"media_url"`
	ClientToken    string             `json:"client_token"`
}

type MarkReadRequest struct {
	ConversationID uint `json:"conversation_id"`
	MessageID      uint `json:"message_id" binding:"required"`
}

type DeleteMessageRequest struct {
	MessageID uint `json:"message_id"`
}

type SetMuteRequest struct {
	RoomID uint `json:"room_id"`
	Muted  bool `json:"muted"`
}

type ChatRequest struct {
	RoomID  uint   `json:"room_id"`
	Content string `json:"content"`
}

type PositionRequest struct {
	RoomID uint    `json:"room_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Facing string  `json:"facing,omitempty"`
}

type ReactionRequest struct {
	RoomID   uint   `json:"room_id"`
	Reaction string `json:"reaction"`
}

type GestureRequest struct {
	RoomID  uint   `json:"room_id"`
	Gesture string `json:"gesture"`
}

// --- 出站载荷 ---

type TypingPayload struct {
	ConversationID uint `json:"conversation_id"`
	UserID         uint `json:"user_id"`
	IsTyping       bool `json:"is_typing"`
}

type ReadReceiptPayload struct {
	ConversationID    uint `json:"conversation_id"`
	UserID            uint `json:"user_id"`
	LastReadMessageID uint `json:"last_read_message_id"`
}

type MessageDeletedPayload struct {
	MessageID      uint `json:"message_id"`
	ConversationID uint `json:"conversation_id"`
}

type ConversationUpdatedPayload struct {
	ConversationID     uint       `json:"conversation_id"`
	LastMessageID      uint       `json:"last_message_id"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	SenderID           uint       `json:"sender_id"`
	UnreadCount        int64      `json:"unread_count"`
}

type PresencePayload struct {
	UserID uint `json:"user_id"`
}

type RoomCounters struct {
	SpeakerCount  int `json:"speaker_count"`
	ListenerCount int `json:"listener_count"`
}

type ParticipantJoinedPayload struct {
	RoomID      uint                   `json:"room_id"`
	Participant domain.ParticipantView `json:"participant"`
	RoomCounters
}

type ParticipantLeftPayload struct {
	RoomID uint `json:"room_id"`
	UserID uint `json:"user_id"`
	RoomCounters
}

type RoleChangedPayload struct {
	RoomID uint                   `json:"room_id"`
	UserID uint                   `json:"user_id"`
	Role   domain.ParticipantRole `json:"role"`
	RoomCounters
}

type StageRequestPayload struct {
	RoomID uint               `json:"room_id"`
	User   domain.UserSummary `json:"user"`
}

type StageUserPayload struct {
	RoomID uint `json:"room_id"`
	UserID uint `json:"user_id"`
}

type RoomClosedPayload struct {
	RoomID uint   `json:"room_id"`
	Reason string `json:"reason"`
}

type MuteChangedPayload struct {
	RoomID uint `json:"room_id"`
	UserID uint `json:"user_id"`
	Muted  bool `json:"muted"`
}

// RelayPayload 中继事件原样转发，并附上发送者
type RelayPayload struct {
	RoomID uint        `json:"room_id"`
	UserID uint        `json:"user_id"`
	Data   interface{} `json:"data"`
}
