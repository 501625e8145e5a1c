package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lingo-social/internal/domain"
	gormpersistence "lingo-social/internal/infra/persistence/gorm"
	"lingo-social/internal/infra/setup"
	"lingo-social/internal/repository/mocks"
	"lingo-social/internal/service"
)

// testEnv 基于内存 sqlite 的完整服务组合
type testEnv struct {
	db          *gorm.DB
	broadcaster *mocks.Broadcaster
	credentials *fakeCredentials
	relay       *fakeRelaySync

	social *service.SocialService
	dm     *service.DMService
	voice  *service.VoiceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := setup.InitDB(setup.DBConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, setup.MigrateDB(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	userRepo := gormpersistence.NewGormUserRepository(db)
	socialRepo := gormpersistence.NewGormSocialRepository(db)
	convRepo := gormpersistence.NewGormConversationRepository(db)
	voiceRepo := gormpersistence.NewGormVoiceRoomRepository(db)

	env := &testEnv{
		db:          db,
		broadcaster: &mocks.Broadcaster{},
		credentials: &fakeCredentials{},
		relay:       &fakeRelaySync{},
	}
	env.social = service.NewSocialService(socialRepo, userRepo)
	env.dm = service.NewDMService(convRepo, userRepo, env.social, nil, env.broadcaster)
	env.voice = service.NewVoiceService(voiceRepo, userRepo, env.social, env.credentials, env.relay, env.broadcaster)
	return env
}

// createUser 直接写库创建用户，返回 ID
func (e *testEnv) createUser(t *testing.T, username string) uint {
	t.Helper()
	user := &domain.User{Username: username, Password: "x", DisplayName: username}
	require.NoError(t, gormpersistence.NewGormUserRepository(e.db).Save(context.Background(), user))
	return user.ID
}

// fakeCredentials 签发可预测的凭证
type fakeCredentials struct {
	mu     sync.Mutex
	issued int
}

func (f *fakeCredentials) IssueCredential(roomName string, user domain.UserSummary, role domain.ParticipantRole) (*domain.MediaCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return &domain.MediaCredential{
		Token:    fmt.Sprintf("token-%d", f.issued),
		RoomName: roomName,
		Identity: fmt.Sprintf("%d", user.ID),
		Role:     role,
	}, nil
}

type permissionSync struct {
	RoomName   string
	UserID     uint
	Permission domain.MediaPermission
}

// fakeRelaySync 记录排队的中继任务
type fakeRelaySync struct {
	mu          sync.Mutex
	permissions []permissionSync
	closed      []string
}

func (f *fakeRelaySync) EnqueuePermissionSync(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionSync{RoomName: roomName, UserID: userID, Permission: perm})
	return nil
}

func (f *fakeRelaySync) EnqueueRoomClose(ctx context.Context, roomName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomName)
	return nil
}

func (f *fakeRelaySync) lastPermission(userID uint) (domain.MediaPermission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.permissions) - 1; i >= 0; i-- {
		if f.permissions[i].UserID == userID {
			return f.permissions[i].Permission, true
		}
	}
	return domain.MediaPermission{}, false
}
