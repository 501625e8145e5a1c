package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	MinSpeakers        = 2
	MaxSpeakers        = 4
	MaxRoomTitleLength = 100
	MaxChatLength      = 500
)

// RoomStatus 语音房间状态，只能 active -> closed 单向迁移。
type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
)

// ParticipantRole 房间内的参与者角色。
type ParticipantRole string

const (
	RoleSpeaker  ParticipantRole = "speaker"
	RoleListener ParticipantRole = "listener"
)

// StageRequestStatus 举手申请状态。
type StageRequestStatus string

const (
	StagePending   StageRequestStatus = "pending"
	StageApproved  StageRequestStatus = "approved"
	StageCancelled StageRequestStatus = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRoomNotActive     = errors.New("voice room is not active")
)

// CanTransition 校验房间状态迁移。
func (s RoomStatus) CanTransition(to RoomStatus) error {
	switch s {
	case RoomActive:
		if to == RoomClosed {
			return nil
		}
	case RoomClosed:
		// 终态
	default:
		return fmt.Errorf("%w: unknown room status %q", ErrInvalidTransition, s)
	}
	return fmt.Errorf("%w: room %s -> %s", ErrInvalidTransition, s, to)
}

// MediaPermission 描述某个角色在媒体中继上的发布/订阅权限。
type MediaPermission struct {
	CanPublish     bool `json:"can_publish"`
	CanSubscribe   bool `json:"can_subscribe"`
	CanPublishData bool `json:"can_publish_data"`
}

// Permission 返回角色对应的媒体权限。
func (r ParticipantRole) Permission() MediaPermission {
	switch r {
	case RoleSpeaker:
		return MediaPermission{CanPublish: true, CanSubscribe: true, CanPublishData: true}
	case RoleListener:
		return MediaPermission{CanPublish: false, CanSubscribe: true, CanPublishData: true}
	default:
		return MediaPermission{}
	}
}

// CanTransition 校验角色迁移：只允许 listener <-> speaker。
func (r ParticipantRole) CanTransition(to ParticipantRole) error {
	switch r {
	case RoleListener:
		if to == RoleSpeaker {
			return nil
		}
	case RoleSpeaker:
		if to == RoleListener {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTransition, r)
	}
	return fmt.Errorf("%w: role %s -> %s", ErrInvalidTransition, r, to)
}

// VoiceRoom 表示一个多人语音房间。
type VoiceRoom struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	CreatorID     uint       `gorm:"index;not null" json:"creator_id"`
	Title         string     `gorm:"type:varchar(100);not null" json:"title"`
	Topic         string     `gorm:"type:varchar(255)" json:"topic"`
	LanguageLevel string     `gorm:"type:varchar(32)" json:"language_level"`
	MaxSpeakers   int        `gorm:"not null" json:"max_speakers"`
	RelayRoomName string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"relay_room_name"`
	SpeakerCount  int        `gorm:"not null;default:0" json:"speaker_count"`
	ListenerCount int        `gorm:"not null;default:0" json:"listener_count"`
	Status        RoomStatus `gorm:"type:varchar(16);index;not null;default:active" json:"status"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnsureActive 房间已关闭时返回错误。
func (r *VoiceRoom) EnsureActive() error {
	if r.Status != RoomActive {
		return ErrRoomNotActive
	}
	return nil
}

// IsCreator 判断用户是否为房间创建者。
func (r *VoiceRoom) IsCreator(userID uint) bool { return r.CreatorID == userID }

// StageFull 判断台上是否已满。
func (r *VoiceRoom) StageFull() bool { return r.SpeakerCount >= r.MaxSpeakers }

// VoiceRoomParticipant 房间参与记录，LeftAt 为空表示仍在房间内。
type VoiceRoomParticipant struct {
	ID       uint            `gorm:"primaryKey" json:"id"`
	RoomID   uint            `gorm:"not null;index:idx_participant_room_user,priority:1" json:"room_id"`
	UserID   uint            `gorm:"not null;index:idx_participant_room_user,priority:2" json:"user_id"`
	Role     ParticipantRole `gorm:"type:varchar(16);not null" json:"role"`
	IsMuted  bool            `gorm:"not null;default:false" json:"is_muted"`
	JoinedAt time.Time       `gorm:"not null" json:"joined_at"`
	LeftAt   *time.Time      `gorm:"index" json:"left_at,omitempty"`
}

// Active 判断参与者是否仍在房间内。
func (p *VoiceRoomParticipant) Active() bool { return p != nil && p.LeftAt == nil }

// StageRequest 听众的上台申请，每个 (room, user) 只有一行。
type StageRequest struct {
	ID        uint               `gorm:"primaryKey" json:"id"`
	RoomID    uint               `gorm:"not null;uniqueIndex:idx_stage_request,priority:1" json:"room_id"`
	UserID    uint               `gorm:"not null;uniqueIndex:idx_stage_request,priority:2" json:"user_id"`
	Status    StageRequestStatus `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// VoiceRoomMessage 房间内的临时聊天消息，房间关闭时全部清除。
type VoiceRoomMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RoomID    uint      `gorm:"not null;index" json:"room_id"`
	UserID    uint      `gorm:"not null" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ParticipantView 房间快照中的参与者，附带展示字段。
type ParticipantView struct {
	VoiceRoomParticipant
	User UserSummary `json:"user"`
}

// VoiceRoomView 房间列表/详情返回的结构，包含在场参与者快照。
type VoiceRoomView struct {
	VoiceRoom
	Participants []ParticipantView `json:"participants"`
}

// ChatMessageView 房间聊天消息，附带发送者展示字段。
type ChatMessageView struct {
	VoiceRoomMessage
	Sender UserSummary `json:"sender"`
}

// MediaCredential 媒体中继的加入凭证，由服务端签发给单个参与者。
type MediaCredential struct {
	Token     string          `json:"token"`
	URL       string          `json:"url"`
	RoomName  string          `json:"room_name"`
	Identity  string          `json:"identity"`
	Role      ParticipantRole `json:"role"`
	ExpiresAt time.Time       `json:"expires_at"`
}
