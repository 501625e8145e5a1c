// Package mocks 提供基于 testify/mock 的仓库接口 Mock 实现，供服务层单元测试使用。
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
)

// UserRepository 是 repository.UserRepository 的 Mock
type UserRepository struct {
	mock.Mock
}

var _ repository.UserRepository = (*UserRepository)(nil)

func (m *UserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	var user *domain.User
	if v := args.Get(0); v != nil {
		user = v.(*domain.User)
	}
	return user, args.Error(1)
}

func (m *UserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	args := m.Called(ctx, id)
	var user *domain.User
	if v := args.Get(0); v != nil {
		user = v.(*domain.User)
	}
	return user, args.Error(1)
}

func (m *UserRepository) FindByIDs(ctx context.Context, ids []uint) (map[uint]*domain.User, error) {
	args := m.Called(ctx, ids)
	var users map[uint]*domain.User
	if v := args.Get(0); v != nil {
		users = v.(map[uint]*domain.User)
	}
	return users, args.Error(1)
}

func (m *UserRepository) Save(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}
