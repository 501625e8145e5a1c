package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
)

// notBlockedClause 过滤掉双方存在任一方向屏蔽的会话 (c 为 conversations 表别名)
const notBlockedClause = `NOT EXISTS (SELECT 1 FROM blocks b WHERE
	(b.blocker_id = c.user_a_id AND b.blocked_id = c.user_b_id) OR
	(b.blocker_id = c.user_b_id AND b.blocked_id = c.user_a_id))`

// GormConversationRepository 是 ConversationRepository 接口的 GORM 实现
type GormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建 GormConversationRepository 实例
func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	if db == nil {
		panic("database connection cannot be nil for GormConversationRepository")
	}
	return &GormConversationRepository{db: db}
}

var _ repository.ConversationRepository = (*GormConversationRepository)(nil)

// FindOrCreate 使用 INSERT ... ON CONFLICT DO NOTHING 后再读取，避免先读后写的竞争
func (r *GormConversationRepository) FindOrCreate(ctx context.Context, userA, userB uint) (*domain.Conversation, error) {
	low, high := domain.NormalizePair(userA, userB)
	db := r.db.WithContext(ctx)

	conv := domain.Conversation{UserAID: low, UserBID: high}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("gorm: upsert conversation (%d, %d): %w", low, high, err)
	}

	var existing domain.Conversation
	if err := db.Where("user_a_id = ? AND user_b_id = ?", low, high).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("gorm: read conversation (%d, %d): %w", low, high, err)
	}
	return &existing, nil
}

// FindByID 根据 ID 查找会话
func (r *GormConversationRepository) FindByID(ctx context.Context, id uint) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrConversationNotFound
		}
		return nil, fmt.Errorf("gorm: find conversation by id %d: %w", id, err)
	}
	return &conv, nil
}

// ListForUser 返回有消息且未被屏蔽的会话，按最后消息时间倒序
func (r *GormConversationRepository) ListForUser(ctx context.Context, userID uint, offset, limit int) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := r.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.*").
		Where("(c.user_a_id = ? OR c.user_b_id = ?) AND c.last_message_id IS NOT NULL", userID, userID).
		Where(notBlockedClause).
		Order("c.last_message_at DESC").
		Order("c.id DESC").
		Offset(offset).
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list conversations for user %d: %w", userID, err)
	}
	return convs, nil
}

// PartnerIDs 返回与用户存在会话的全部对方 ID
func (r *GormConversationRepository) PartnerIDs(ctx context.Context, userID uint) ([]uint, error) {
	var convs []domain.Conversation
	err := r.db.WithContext(ctx).
		Select("user_a_id", "user_b_id").
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list conversation partners of %d: %w", userID, err)
	}
	ids := make([]uint, 0, len(convs))
	for _, c := range convs {
		if c.UserAID == userID {
			ids = append(ids, c.UserBID)
		} else {
			ids = append(ids, c.UserAID)
		}
	}
	return ids, nil
}

// FindMessageByToken 幂等令牌的作用域是单个会话
func (r *GormConversationRepository) FindMessageByToken(ctx context.Context, conversationID uint, token string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND client_token = ?", conversationID, token).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrMessageNotFound
		}
		return nil, fmt.Errorf("gorm: find message by token in conversation %d: %w", conversationID, err)
	}
	return &msg, nil
}

// CreateMessage 写入消息并更新会话的最后消息指针，二者在同一事务中提交
func (r *GormConversationRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			if isDuplicateEntryError(err) {
				return repository.ErrDuplicateEntry
			}
			return fmt.Errorf("gorm: insert message into conversation %d: %w", msg.ConversationID, err)
		}
		err := tx.Model(&domain.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":      msg.ID,
				"last_message_preview": msg.Preview(),
				"last_message_at":      msg.CreatedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("gorm: update last message of conversation %d: %w", msg.ConversationID, err)
		}
		return nil
	})
}

// FindMessageByID 根据 ID 查找消息
func (r *GormConversationRepository) FindMessageByID(ctx context.Context, id uint) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).First(&msg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrMessageNotFound
		}
		return nil, fmt.Errorf("gorm: find message by id %d: %w", id, err)
	}
	return &msg, nil
}

// SoftDeleteMessage 清空内容与媒体字段，保留行本身
func (r *GormConversationRepository) SoftDeleteMessage(ctx context.Context, msg *domain.Message, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Message{}).
			Where("id = ? AND is_deleted = ?", msg.ID, false).
			Updates(map[string]interface{}{
				"is_deleted": true,
				"content":    "",
				"media_url":  "",
				"deleted_at": at,
			})
		if res.Error != nil {
			return fmt.Errorf("gorm: soft delete message %d: %w", msg.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return repository.ErrMessageNotFound
		}
		// 被删除的是最后一条消息时清空摘要
		err := tx.Model(&domain.Conversation{}).
			Where("id = ? AND last_message_id = ?", msg.ConversationID, msg.ID).
			Update("last_message_preview", "").Error
		if err != nil {
			return fmt.Errorf("gorm: clear preview of conversation %d: %w", msg.ConversationID, err)
		}
		msg.IsDeleted = true
		msg.Content = ""
		msg.MediaURL = ""
		msg.DeletedAt = &at
		return nil
	})
}

// ListMessages 游标分页：严格小于 cursor，按 ID 倒序
func (r *GormConversationRepository) ListMessages(ctx context.Context, conversationID uint, cursor uint, limit int) ([]domain.Message, error) {
	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if cursor > 0 {
		query = query.Where("id < ?", cursor)
	}
	var msgs []domain.Message
	if err := query.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("gorm: list messages of conversation %d: %w", conversationID, err)
	}
	return msgs, nil
}

// AdvanceReadReceipt 通过条件更新保证水位只增不减，即使确认乱序到达
func (r *GormConversationRepository) AdvanceReadReceipt(ctx context.Context, conversationID, userID, messageID uint) (uint, bool, error) {
	var (
		watermark uint
		advanced  bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := domain.ReadReceipt{ConversationID: conversationID, UserID: userID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("gorm: seed read receipt (%d, %d): %w", conversationID, userID, err)
		}
		res := tx.Model(&domain.ReadReceipt{}).
			Where("conversation_id = ? AND user_id = ? AND last_read_message_id < ?", conversationID, userID, messageID).
			Update("last_read_message_id", messageID)
		if res.Error != nil {
			return fmt.Errorf("gorm: advance read receipt (%d, %d): %w", conversationID, userID, res.Error)
		}
		advanced = res.RowsAffected > 0

		var current domain.ReadReceipt
		if err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&current).Error; err != nil {
			return fmt.Errorf("gorm: read receipt (%d, %d): %w", conversationID, userID, err)
		}
		watermark = current.LastReadMessageID
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return watermark, advanced, nil
}

// UnreadCount 统计单个会话中对方发送、未删除且高于水位的消息数
func (r *GormConversationRepository) UnreadCount(ctx context.Context, conversationID, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM dm_messages m
		WHERE m.conversation_id = ? AND m.sender_id <> ? AND m.is_deleted = ?
		AND m.id > COALESCE((SELECT rr.last_read_message_id FROM read_receipts rr
			WHERE rr.conversation_id = ? AND rr.user_id = ?), 0)`,
		conversationID, userID, false, conversationID, userID).
		Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("gorm: count unread in conversation %d for user %d: %w", conversationID, userID, err)
	}
	return count, nil
}

// TotalUnread 统计用户在所有未屏蔽会话中的未读总数
func (r *GormConversationRepository) TotalUnread(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM dm_messages m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN read_receipts rr ON rr.conversation_id = m.conversation_id AND rr.user_id = ?
		WHERE (c.user_a_id = ? OR c.user_b_id = ?) AND m.sender_id <> ? AND m.is_deleted = ?
		AND m.id > COALESCE(rr.last_read_message_id, 0)
		AND `+notBlockedClause,
		userID, userID, userID, userID, false).
		Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("gorm: count total unread for user %d: %w", userID, err)
	}
	return count, nil
}
