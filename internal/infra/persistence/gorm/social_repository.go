package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
)

// GormSocialRepository 是 SocialRepository 接口的 GORM 实现
type GormSocialRepository struct {
	db *gorm.DB
}

// NewGormSocialRepository 创建 GormSocialRepository 实例
func NewGormSocialRepository(db *gorm.DB) *GormSocialRepository {
	if db == nil {
		panic("database connection cannot be nil for GormSocialRepository")
	}
	return &GormSocialRepository{db: db}
}

var _ repository.SocialRepository = (*GormSocialRepository)(nil)

// CreateBlock 幂等插入屏蔽关系，首次创建时在同一事务中移除双向关注并修正计数
func (r *GormSocialRepository) CreateBlock(ctx context.Context, blockerID, blockedID uint) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		block := domain.Block{BlockerID: blockerID, BlockedID: blockedID}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&block)
		if res.Error != nil {
			return fmt.Errorf("gorm: insert block %d->%d: %w", blockerID, blockedID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil // 已存在
		}
		created = true

		// 删除两个方向的关注，并同步调整计数器
		if err := removeFollow(tx, blockerID, blockedID); err != nil {
			return err
		}
		return removeFollow(tx, blockedID, blockerID)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// removeFollow 删除 follower -> followee 的关注边，存在时递减双方计数
func removeFollow(tx *gorm.DB, followerID, followeeID uint) error {
	res := tx.Where("follower_id = ? AND followee_id = ?", followerID, followeeID).Delete(&domain.Follow{})
	if res.Error != nil {
		return fmt.Errorf("gorm: delete follow %d->%d: %w", followerID, followeeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := tx.Model(&domain.User{}).
		Where("id = ? AND following_count > 0", followerID).
		UpdateColumn("following_count", gorm.Expr("following_count - 1")).Error; err != nil {
		return fmt.Errorf("gorm: decrement following_count of %d: %w", followerID, err)
	}
	if err := tx.Model(&domain.User{}).
		Where("id = ? AND follower_count > 0", followeeID).
		UpdateColumn("follower_count", gorm.Expr("follower_count - 1")).Error; err != nil {
		return fmt.Errorf("gorm: decrement follower_count of %d: %w", followeeID, err)
	}
	return nil
}

// DeleteBlock 删除屏蔽关系，已解除的关注不会恢复
func (r *GormSocialRepository) DeleteBlock(ctx context.Context, blockerID, blockedID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&domain.Block{})
	if res.Error != nil {
		return false, fmt.Errorf("gorm: delete block %d->%d: %w", blockerID, blockedID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IsBlockedEitherWay 每次都直接查询数据库，不做缓存
func (r *GormSocialRepository) IsBlockedEitherWay(ctx context.Context, a, b uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: check block between %d and %d: %w", a, b, err)
	}
	return count > 0, nil
}

// IsBlockedByAny 判断 userID 与一组用户之间是否存在任一方向的屏蔽
func (r *GormSocialRepository) IsBlockedByAny(ctx context.Context, userID uint, others []uint) (bool, error) {
	if len(others) == 0 {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Block{}).
		Where("(blocker_id = ? AND blocked_id IN ?) OR (blocked_id = ? AND blocker_id IN ?)", userID, others, userID, others).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: check blocks of %d against %d users: %w", userID, len(others), err)
	}
	return count > 0, nil
}

// IsFollowing 判断 follower 是否关注了 followee
func (r *GormSocialRepository) IsFollowing(ctx context.Context, followerID, followeeID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Follow{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: check follow %d->%d: %w", followerID, followeeID, err)
	}
	return count > 0, nil
}
