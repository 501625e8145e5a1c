package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MessageType 私信消息类型
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
)

const (
	MaxMessageLength = 2000 // 文本消息最大字符数
	MaxPreviewLength = 100
	MaxTokenLength   = 64
)

// Valid 判断消息类型是否受支持。
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVoice:
		return true
	default:
		return false
	}
}

// Message 表示一条私信。删除只做软删除，保留行以维持游标分页的 ID 顺序。
type Message struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	ConversationID uint        `gorm:"not null;index;uniqueIndex:idx_message_token,priority:1" json:"conversation_id"`
	SenderID       uint        `gorm:"not null;index" json:"sender_id"`
	Type           MessageType `gorm:"type:varchar(16);not null;default:text" json:"type"`
	Content        string      `gorm:"type:text" json:"content"`
	MediaURL       string      `gorm:"type:varchar(512)" json:"media_url,omitempty"`
	ClientToken    *string     `gorm:"type:varchar(64);uniqueIndex:idx_message_token,priority:2" json:"client_token,omitempty"`
	IsDeleted      bool        `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 避免与语音房间消息表混淆。
func (Message) TableName() string { return "dm_messages" }

// Validate 检查消息内容是否符合类型要求。
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	switch m.Type {
	case MessageText:
		if m.Content == "" {
			return fmt.Errorf("text message content is empty")
		}
		if utf8.RuneCountInString(m.Content) > MaxMessageLength {
			return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
		}
	case MessageImage, MessageVoice:
		if m.MediaURL == "" {
			return fmt.Errorf("%s message requires media_url", m.Type)
		}
		if utf8.RuneCountInString(m.Content) > MaxMessageLength {
			return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
		}
	}
	if m.ClientToken != nil && len(*m.ClientToken) > MaxTokenLength {
		return fmt.Errorf("client token exceeds %d bytes", MaxTokenLength)
	}
	return nil
}

// Preview 返回会话列表中显示的最后一条消息摘要。
func (m *Message) Preview() string {
	switch m.Type {
	case MessageImage:
		return "[image]"
	case MessageVoice:
		return "[voice]"
	}
	if utf8.RuneCountInString(m.Content) <= MaxPreviewLength {
		return m.Content
	}
	runes := []rune(m.Content)
	return string(runes[:MaxPreviewLength])
}

// MessageView 是广播给客户端的消息，附带发送者展示字段。
type MessageView struct {
	Message
	Sender UserSummary `json:"sender"`
}
