package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"lingo-social/internal/repository"
)

// SocialService 屏蔽关系的门禁。所有判断都直接查库，不做缓存，会话中途新建的屏蔽立即生效。
type SocialService struct {
	socialRepo repository.SocialRepository
	userRepo   repository.UserRepository
}

// NewSocialService 创建 SocialService 实例
func NewSocialService(socialRepo repository.SocialRepository, userRepo repository.UserRepository) *SocialService {
	if socialRepo == nil {
		panic("SocialRepository cannot be nil for SocialService")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for SocialService")
	}
	return &SocialService{socialRepo: socialRepo, userRepo: userRepo}
}

// Block 幂等地创建屏蔽关系，首次创建时移除双向关注
func (s *SocialService) Block(ctx context.Context, blockerID, blockedID uint) error {
	logCtx := logrus.WithFields(logrus.Fields{"blocker_id": blockerID, "blocked_id": blockedID})
	if blockerID == blockedID {
		return ErrSelfBlock
	}
	if _, err := s.userRepo.FindByID(ctx, blockedID); err != nil {
		return mapRepoError(err, ErrUserNotFound)
	}

	created, err := s.socialRepo.CreateBlock(ctx, blockerID, blockedID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to create block")
		return mapRepoError(err, nil)
	}
	if created {
		logCtx.Info("User blocked")
	} else {
		logCtx.Debug("Block already exists")
	}
	return nil
}

// Unblock 删除屏蔽关系，不存在时不报错
func (s *SocialService) Unblock(ctx context.Context, blockerID, blockedID uint) error {
	removed, err := s.socialRepo.DeleteBlock(ctx, blockerID, blockedID)
	if err != nil {
		return mapRepoError(err, nil)
	}
	if removed {
		logrus.WithFields(logrus.Fields{"blocker_id": blockerID, "blocked_id": blockedID}).Info("User unblocked")
	}
	return nil
}

// IsBlockedEitherWay 判断两个用户之间是否存在任一方向的屏蔽
func (s *SocialService) IsBlockedEitherWay(ctx context.Context, a, b uint) (bool, error) {
	blocked, err := s.socialRepo.IsBlockedEitherWay(ctx, a, b)
	if err != nil {
		return false, mapRepoError(err, nil)
	}
	return blocked, nil
}

// IsFollowing 判断 follower 是否关注了 followee
func (s *SocialService) IsFollowing(ctx context.Context, followerID, followeeID uint) (bool, error) {
	following, err := s.socialRepo.IsFollowing(ctx, followerID, followeeID)
	if err != nil {
		return false, mapRepoError(err, nil)
	}
	return following, nil
}

// ensureNotBlocked 存在屏蔽时返回 ErrBlocked
func (s *SocialService) ensureNotBlocked(ctx context.Context, a, b uint) error {
	blocked, err := s.IsBlockedEitherWay(ctx, a, b)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

// ensureNotBlockedByAny userID 与 others 中任一用户存在屏蔽时返回 ErrBlocked
func (s *SocialService) ensureNotBlockedByAny(ctx context.Context, userID uint, others []uint) error {
	blocked, err := s.socialRepo.IsBlockedByAny(ctx, userID, others)
	if err != nil {
		return mapRepoError(err, nil)
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}
