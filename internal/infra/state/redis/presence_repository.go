package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"lingo-social/internal/repository"
)

// RedisPresenceRepository 是 PresenceRepository 接口的 Redis 实现
type RedisPresenceRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPresenceRepository 创建 RedisPresenceRepository 实例
func NewRedisPresenceRepository(client *redis.Client, keyPrefix string) *RedisPresenceRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisPresenceRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "ls:"
	}
	return &RedisPresenceRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

var _ repository.PresenceRepository = (*RedisPresenceRepository)(nil)

// --- Key Generation Helpers ---
func (r *RedisPresenceRepository) presenceKey(userID uint) string {
	return fmt.Sprintf("%spresence:user:%d", r.keyPrefix, userID)
}

// SetOnline 写入在线标记，值为上线时间
func (r *RedisPresenceRepository) SetOnline(ctx context.Context, userID uint, ttl time.Duration) error {
	key := r.presenceKey(userID)
	if err := r.client.Set(ctx, key, time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set presence %s: %w", key, err)
	}
	return nil
}

// Refresh 心跳续期；键已过期时重新写入
func (r *RedisPresenceRepository) Refresh(ctx context.Context, userID uint, ttl time.Duration) error {
	key := r.presenceKey(userID)
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: refresh presence %s: %w", key, err)
	}
	if !ok {
		return r.SetOnline(ctx, userID, ttl)
	}
	return nil
}

func (r *RedisPresenceRepository) SetOffline(ctx context.Context, userID uint) error {
	key := r.presenceKey(userID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete presence %s: %w", key, err)
	}
	return nil
}

func (r *RedisPresenceRepository) IsOnline(ctx context.Context, userID uint) (bool, error) {
	key := r.presenceKey(userID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check presence %s: %w", key, err)
	}
	return n > 0, nil
}

// OnlineSet 使用 MGET 批量读取
func (r *RedisPresenceRepository) OnlineSet(ctx context.Context, userIDs []uint) (map[uint]bool, error) {
	result := make(map[uint]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = r.presenceKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget presence for %d users: %w", len(userIDs), err)
	}
	for i, id := range userIDs {
		result[id] = values[i] != nil
	}
	return result, nil
}
