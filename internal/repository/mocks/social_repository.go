package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"lingo-social/internal/repository"
)

// SocialRepository 是 repository.SocialRepository 的 Mock
type SocialRepository struct {
	mock.Mock
}

var _ repository.SocialRepository = (*SocialRepository)(nil)

func (m *SocialRepository) CreateBlock(ctx context.Context, blockerID, blockedID uint) (bool, error) {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Bool(0), args.Error(1)
}

func (m *SocialRepository) DeleteBlock(ctx context.Context, blockerID, blockedID uint) (bool, error) {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Bool(0), args.Error(1)
}

func (m *SocialRepository) IsBlockedEitherWay(ctx context.Context, a, b uint) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}

func (m *SocialRepository) IsBlockedByAny(ctx context.Context, userID uint, others []uint) (bool, error) {
	args := m.Called(ctx, userID, others)
	return args.Bool(0), args.Error(1)
}

func (m *SocialRepository) IsFollowing(ctx context.Context, followerID, followeeID uint) (bool, error) {
	args := m.Called(ctx, followerID, followeeID)
	return args.Bool(0), args.Error(1)
}
