package repository

import (
	"context"
	"time"
)

// PresenceRepository 在线状态存储，通常由 Redis 实现。
// 每个用户一个带 TTL 的键，过期即视为离线。
type PresenceRepository interface {
	// SetOnline 写入在线标记并设置 TTL。
	SetOnline(ctx context.Context, userID uint, ttl time.Duration) error

	// Refresh 刷新在线标记的 TTL；键不存在时重新写入。
	Refresh(ctx context.Context, userID uint, ttl time.Duration) error

	// SetOffline 删除在线标记。
	SetOffline(ctx context.Context, userID uint) error

	// IsOnline 判断用户是否在线。
	IsOnline(ctx context.Context, userID uint) (bool, error)

	// OnlineSet 批量查询在线状态。
	OnlineSet(ctx context.Context, userIDs []uint) (map[uint]bool, error)
}
