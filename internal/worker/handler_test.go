package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
	"lingo-social/internal/tasks"
)

type permissionCall struct {
	roomName string
	userID   uint
	perm     domain.MediaPermission
}

type fakeRelay struct {
	permissions []permissionCall
	deleted     []string
	err         error
}

func (f *fakeRelay) UpdatePermission(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error {
	if f.err != nil {
		return f.err
	}
	f.permissions = append(f.permissions, permissionCall{roomName: roomName, userID: userID, perm: perm})
	return nil
}

func (f *fakeRelay) DeleteRoom(ctx context.Context, roomName string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, roomName)
	return nil
}

// fakeParticipants 以 "房间名/用户" 为键保存当前角色
type fakeParticipants struct {
	roles map[string]domain.ParticipantRole
	err   error
}

func participantKey(roomName string, userID uint) string {
	return fmt.Sprintf("%s/%d", roomName, userID)
}

func (f *fakeParticipants) set(roomName string, userID uint, role domain.ParticipantRole) {
	if f.roles == nil {
		f.roles = make(map[string]domain.ParticipantRole)
	}
	f.roles[participantKey(roomName, userID)] = role
}

func (f *fakeParticipants) FindActiveParticipantByRelayRoom(ctx context.Context, roomName string, userID uint) (*domain.VoiceRoomParticipant, error) {
	if f.err != nil {
		return nil, f.err
	}
	role, ok := f.roles[participantKey(roomName, userID)]
	if !ok {
		return nil, repository.ErrParticipantNotFound
	}
	return &domain.VoiceRoomParticipant{UserID: userID, Role: role}, nil
}

func TestRelayHandler_PermissionSync(t *testing.T) {
	relay := &fakeRelay{}
	participants := &fakeParticipants{}
	participants.set("vr-1", 3, domain.RoleListener)
	h := NewRelayHandler(relay, participants)
	task, err := tasks.NewPermissionSyncTask("vr-1", 3, domain.RoleListener.Permission())
	require.NoError(t, err)

	require.NoError(t, h.ProcessPermissionSync(context.Background(), task))
	require.Len(t, relay.permissions, 1)
	assert.Equal(t, permissionCall{roomName: "vr-1", userID: 3, perm: domain.RoleListener.Permission()}, relay.permissions[0])
}

func TestRelayHandler_PermissionSyncAppliesCurrentRole(t *testing.T) {
	relay := &fakeRelay{}
	participants := &fakeParticipants{}
	h := NewRelayHandler(relay, participants)

	// 先提升后撤下，提升任务在撤下任务之后才执行
	promote, err := tasks.NewPermissionSyncTask("vr-1", 3, domain.RoleSpeaker.Permission())
	require.NoError(t, err)
	demote, err := tasks.NewPermissionSyncTask("vr-1", 3, domain.RoleListener.Permission())
	require.NoError(t, err)
	participants.set("vr-1", 3, domain.RoleListener)

	require.NoError(t, h.ProcessPermissionSync(context.Background(), demote))
	require.NoError(t, h.ProcessPermissionSync(context.Background(), promote))

	require.Len(t, relay.permissions, 2)
	for _, call := range relay.permissions {
		assert.Equal(t, domain.RoleListener.Permission(), call.perm)
		assert.False(t, call.perm.CanPublish)
	}
}

func TestRelayHandler_PermissionSyncAfterLeaveRevokes(t *testing.T) {
	relay := &fakeRelay{}
	h := NewRelayHandler(relay, &fakeParticipants{})
	task, err := tasks.NewPermissionSyncTask("vr-1", 4, domain.RoleSpeaker.Permission())
	require.NoError(t, err)

	require.NoError(t, h.ProcessPermissionSync(context.Background(), task))
	require.Len(t, relay.permissions, 1)
	assert.Equal(t, domain.MediaPermission{}, relay.permissions[0].perm)
}

func TestRelayHandler_PermissionSyncLookupErrorIsRetried(t *testing.T) {
	relay := &fakeRelay{}
	boom := errors.New("db down")
	h := NewRelayHandler(relay, &fakeParticipants{err: boom})
	task, err := tasks.NewPermissionSyncTask("vr-1", 3, domain.RoleListener.Permission())
	require.NoError(t, err)

	err = h.ProcessPermissionSync(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, relay.permissions)
}

func TestRelayHandler_RoomClose(t *testing.T) {
	relay := &fakeRelay{}
	h := NewRelayHandler(relay, &fakeParticipants{})
	task, err := tasks.NewRoomCloseTask("vr-2")
	require.NoError(t, err)

	require.NoError(t, h.ProcessRoomClose(context.Background(), task))
	assert.Equal(t, []string{"vr-2"}, relay.deleted)
}

func TestRelayHandler_RelayErrorIsRetried(t *testing.T) {
	boom := errors.New("livekit unavailable")
	h := NewRelayHandler(&fakeRelay{err: boom}, &fakeParticipants{})
	task, err := tasks.NewRoomCloseTask("vr-3")
	require.NoError(t, err)

	err = h.ProcessRoomClose(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestRelayHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := NewRelayHandler(&fakeRelay{}, &fakeParticipants{})

	err := h.ProcessPermissionSync(context.Background(), asynq.NewTask(tasks.TypeRelayPermissionSync, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessRoomClose(context.Background(), asynq.NewTask(tasks.TypeRelayRoomClose, []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewRelayHandler_PanicsOnNilRelay(t *testing.T) {
	assert.Panics(t, func() { NewRelayHandler(nil, &fakeParticipants{}) })
	assert.Panics(t, func() { NewRelayHandler(&fakeRelay{}, nil) })
}

func TestWorkerServer_MuxRoutesRelayTasks(t *testing.T) {
	relay := &fakeRelay{}
	ws := NewWorkerServer(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, relay, &fakeParticipants{}, 0, logrus.New())
	mux := ws.Mux()

	task, err := tasks.NewRoomCloseTask("vr-9")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"vr-9"}, relay.deleted)

	err = mux.ProcessTask(context.Background(), asynq.NewTask("unknown:task", nil))
	assert.Error(t, err)
}
