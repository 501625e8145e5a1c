package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"lingo-social/internal/repository"
)

// PresenceRepository 是 repository.PresenceRepository 的 Mock
type PresenceRepository struct {
	mock.Mock
}

var _ repository.PresenceRepository = (*PresenceRepository)(nil)

func (m *PresenceRepository) SetOnline(ctx context.Context, userID uint, ttl time.Duration) error {
	return m.Called(ctx, userID, ttl).Error(0)
}

func (m *PresenceRepository) Refresh(ctx context.Context, userID uint, ttl time.Duration) error {
	return m.Called(ctx, userID, ttl).Error(0)
}

func (m *PresenceRepository) SetOffline(ctx context.Context, userID uint) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *PresenceRepository) IsOnline(ctx context.Context, userID uint) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceRepository) OnlineSet(ctx context.Context, userIDs []uint) (map[uint]bool, error) {
	args := m.Called(ctx, userIDs)
	var set map[uint]bool
	if v := args.Get(0); v != nil {
		set = v.(map[uint]bool)
	}
	return set, args.Error(1)
}
