package repository

import (
	"context"
	"time"

	"lingo-social/internal/domain"
)

// VoiceRoomRepository 语音房间相关数据的存储。
// 所有修改计数器的方法都应在 Transaction 内通过 LockRoom 加锁后调用。
type VoiceRoomRepository interface {
	// Transaction 在一个数据库事务中执行 fn，fn 收到绑定到该事务的仓库。
	Transaction(ctx context.Context, fn func(tx VoiceRoomRepository) error) error

	// LockRoom 以行锁 (SELECT ... FOR UPDATE) 读取房间。
	LockRoom(ctx context.Context, roomID uint) (*domain.VoiceRoom, error)

	FindByID(ctx context.Context, roomID uint) (*domain.VoiceRoom, error)
	CreateRoom(ctx context.Context, room *domain.VoiceRoom) error
	ListActive(ctx context.Context, offset, limit int) ([]domain.VoiceRoom, error)

	// AdjustCounters 原子地调整计数器；requireSeat 为 true 时附带 speaker_count < max_speakers 条件。
	// 条件不满足 (房间已关闭或台上已满) 时返回 ErrConditionFailed。
	AdjustCounters(ctx context.Context, roomID uint, speakerDelta, listenerDelta int, requireSeat bool) error

	// MarkClosed 将房间置为关闭并清零计数器。
	MarkClosed(ctx context.Context, roomID uint, at time.Time) error

	FindActiveParticipant(ctx context.Context, roomID, userID uint) (*domain.VoiceRoomParticipant, error)
	// FindActiveParticipantByRelayRoom 按中继房间名查找活跃房间内的参与记录
	FindActiveParticipantByRelayRoom(ctx context.Context, relayRoomName string, userID uint) (*domain.VoiceRoomParticipant, error)
	ListActiveParticipants(ctx context.Context, roomID uint) ([]domain.VoiceRoomParticipant, error)
	ActiveRoomIDsForUser(ctx context.Context, userID uint) ([]uint, error)
	CreateParticipant(ctx context.Context, p *domain.VoiceRoomParticipant) error
	// UpdateParticipantRole 仅当参与者当前角色为 from 时改为 to，否则返回 ErrConditionFailed。
	UpdateParticipantRole(ctx context.Context, participantID uint, from, to domain.ParticipantRole) error
	UpdateParticipantMute(ctx context.Context, participantID uint, muted bool) error
	MarkParticipantLeft(ctx context.Context, participantID uint, at time.Time) error
	// MarkAllParticipantsLeft 强制所有在场参与者离开，返回受影响的用户 ID。
	MarkAllParticipantsLeft(ctx context.Context, roomID uint, at time.Time) ([]uint, error)

	FindStageRequest(ctx context.Context, roomID, userID uint) (*domain.StageRequest, error)
	// UpsertStageRequest 以 (room, user) 为键写入申请状态。
	UpsertStageRequest(ctx context.Context, roomID, userID uint, status domain.StageRequestStatus) (*domain.StageRequest, error)
	// ResolveStageRequest 仅当申请处于 pending 时改为 status，返回是否发生了变化。
	ResolveStageRequest(ctx context.Context, roomID, userID uint, status domain.StageRequestStatus) (bool, error)
	// CancelPendingStageRequests 取消房间内所有 pending 的申请。
	CancelPendingStageRequests(ctx context.Context, roomID uint) error
	ListPendingStageRequests(ctx context.Context, roomID uint) ([]domain.StageRequest, error)

	CreateChatMessage(ctx context.Context, msg *domain.VoiceRoomMessage) error
	ListChatMessages(ctx context.Context, roomID uint, limit int) ([]domain.VoiceRoomMessage, error)
	DeleteChatMessages(ctx context.Context, roomID uint) error
}
