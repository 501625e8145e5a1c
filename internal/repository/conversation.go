package repository

import (
	"context"
	"time"

	"lingo-social/internal/domain"
)

// ConversationRepository 私信会话、消息与已读回执的存储。
type ConversationRepository interface {
	// FindOrCreate 以 upsert 语义查找或创建规范化的会话行，并发调用收敛到同一行。
	FindOrCreate(ctx context.Context, userA, userB uint) (*domain.Conversation, error)

	// FindByID 根据 ID 查找会话。
	FindByID(ctx context.Context, id uint) (*domain.Conversation, error)

	// ListForUser 返回用户有过消息往来、且双方没有屏蔽关系的会话，按最后消息时间倒序。
	ListForUser(ctx context.Context, userID uint, offset, limit int) ([]domain.Conversation, error)

	// PartnerIDs 返回与用户有会话的所有对方 ID。
	PartnerIDs(ctx context.Context, userID uint) ([]uint, error)

	// FindMessageByToken 根据会话内的幂等令牌查找消息。
	FindMessageByToken(ctx context.Context, conversationID uint, token string) (*domain.Message, error)

	// CreateMessage 在事务中写入消息并更新会话的最后消息指针与摘要。
	// 令牌冲突时返回 ErrDuplicateEntry。
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// FindMessageByID 根据 ID 查找消息。
	FindMessageByID(ctx context.Context, id uint) (*domain.Message, error)

	// SoftDeleteMessage 清空消息内容并打上删除标记。
	SoftDeleteMessage(ctx context.Context, msg *domain.Message, at time.Time) error

	// ListMessages 返回 id < cursor (cursor 为 0 时不限制) 的消息，按 ID 倒序。
	ListMessages(ctx context.Context, conversationID uint, cursor uint, limit int) ([]domain.Message, error)

	// AdvanceReadReceipt 仅当 messageID 大于当前水位时推进水位。
	// 返回推进后的水位以及是否发生了推进。
	AdvanceReadReceipt(ctx context.Context, conversationID, userID, messageID uint) (watermark uint, advanced bool, err error)

	// UnreadCount 返回用户在单个会话中的未读数。
	UnreadCount(ctx context.Context, conversationID, userID uint) (int64, error)

	// TotalUnread 返回用户在所有未屏蔽会话中的未读总数。
	TotalUnread(ctx context.Context, userID uint) (int64, error)
}
