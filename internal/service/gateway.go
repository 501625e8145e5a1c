package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"lingo-social/internal/domain"
)

// Broadcaster 是服务层对连接网关的唯一依赖。
// 服务在事务提交之后调用它，不直接接触任何连接。
type Broadcaster interface {
	// Broadcast 向订阅了 roomKey 的所有连接推送事件
	Broadcast(roomKey string, event string, payload interface{})
	// NotifyUser 向用户的个人频道推送事件
	NotifyUser(userID uint, event string, payload interface{})
	// CloseRoom 取消所有连接对 roomKey 的订阅
	CloseRoom(roomKey string)
	// LeaveUser 取消该用户所有连接对 roomKey 的订阅
	LeaveUser(userID uint, roomKey string)
}

// CredentialIssuer 为媒体中继签发房间级别的加入凭证
type CredentialIssuer interface {
	IssueCredential(roomName string, user domain.UserSummary, role domain.ParticipantRole) (*domain.MediaCredential, error)
}

// RelaySyncQueue 把中继权限同步放入后台任务队列。入队失败只记录日志。
type RelaySyncQueue interface {
	EnqueuePermissionSync(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error
	EnqueueRoomClose(ctx context.Context, roomName string) error
}

// ObjectStore 私信媒体文件存储
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// timeNow 测试中可替换
var timeNow = func() time.Time { return time.Now().UTC() }

// VoiceLobbyKey 订阅房间列表变化的频道
const VoiceLobbyKey = "voice:lobby"

// ConversationKey 会话频道
func ConversationKey(conversationID uint) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// VoiceRoomKey 语音房间频道
func VoiceRoomKey(roomID uint) string {
	return fmt.Sprintf("voice:%d", roomID)
}

// UserKey 个人通知频道
func UserKey(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

// nopBroadcaster 在未注入网关时丢弃所有事件
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, interface{}) {}
func (nopBroadcaster) NotifyUser(uint, string, interface{})  {}
func (nopBroadcaster) CloseRoom(string)                      {}
func (nopBroadcaster) LeaveUser(uint, string)                {}
