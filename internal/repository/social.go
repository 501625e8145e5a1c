package repository

import "context"

// SocialRepository 屏蔽/关注关系的存储。
type SocialRepository interface {
	// CreateBlock 幂等地创建屏蔽关系。首次创建时在同一事务中删除双向关注并更新计数。
	// created 为 false 表示屏蔽关系已存在。
	CreateBlock(ctx context.Context, blockerID, blockedID uint) (created bool, err error)

	// DeleteBlock 删除屏蔽关系，返回是否确实删除了记录。
	DeleteBlock(ctx context.Context, blockerID, blockedID uint) (bool, error)

	// IsBlockedEitherWay 判断 a 与 b 之间是否存在任一方向的屏蔽。
	IsBlockedEitherWay(ctx context.Context, a, b uint) (bool, error)

	// IsBlockedByAny 判断 userID 与 others 中任一用户之间是否存在屏蔽。
	IsBlockedByAny(ctx context.Context, userID uint, others []uint) (bool, error)

	// IsFollowing 判断 follower 是否关注了 followee。
	IsFollowing(ctx context.Context, followerID, followeeID uint) (bool, error)
}
