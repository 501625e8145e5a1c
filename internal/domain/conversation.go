package domain

import (
	"fmt"
	"time"
)

// Conversation 表示两个用户之间的私信会话。
// 用户对经过规范化：UserAID 总是较小的 ID，保证同一对用户只有一行。
type Conversation struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserAID            uint       `gorm:"not null;uniqueIndex:idx_conversation_pair,priority:1" json:"user_a_id"`
	UserBID            uint       `gorm:"not null;uniqueIndex:idx_conversation_pair,priority:2;index" json:"user_b_id"`
	LastMessageID      *uint      `json:"last_message_id"`
	LastMessagePreview string     `gorm:"type:varchar(255)" json:"last_message_preview"`
	LastMessageAt      *time.Time `gorm:"index" json:"last_message_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NormalizePair 返回 (小, 大) 顺序的用户对。
func NormalizePair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant 判断用户是否为会话的参与者。
func (c *Conversation) HasParticipant(userID uint) bool {
	return c != nil && (c.UserAID == userID || c.UserBID == userID)
}

// PeerOf 返回会话中另一方的 ID。
func (c *Conversation) PeerOf(userID uint) (uint, error) {
	switch userID {
	case c.UserAID:
		return c.UserBID, nil
	case c.UserBID:
		return c.UserAID, nil
	default:
		return 0, fmt.Errorf("user %d is not a participant of conversation %d", userID, c.ID)
	}
}

// ReadReceipt 记录用户在某个会话中已读到的最大消息 ID (已读水位)。
type ReadReceipt struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ConversationID    uint      `gorm:"not null;uniqueIndex:idx_receipt_pair,priority:1" json:"conversation_id"`
	UserID            uint      `gorm:"not null;uniqueIndex:idx_receipt_pair,priority:2" json:"user_id"`
	LastReadMessageID uint      `gorm:"not null;default:0" json:"last_read_message_id"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConversationView 是会话列表返回给客户端的结构。
type ConversationView struct {
	Conversation
	Peer        UserSummary `json:"peer"`
	PeerOnline  bool        `json:"peer_online"`
	UnreadCount int64       `json:"unread_count"`
}
