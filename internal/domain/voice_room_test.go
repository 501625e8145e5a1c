package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomStatus_CanTransition(t *testing.T) {
	assert.NoError(t, RoomActive.CanTransition(RoomClosed))
	assert.ErrorIs(t, RoomActive.CanTransition(RoomActive), ErrInvalidTransition)
	assert.ErrorIs(t, RoomClosed.CanTransition(RoomActive), ErrInvalidTransition)
	assert.ErrorIs(t, RoomClosed.CanTransition(RoomClosed), ErrInvalidTransition)
	assert.ErrorIs(t, RoomStatus("paused").CanTransition(RoomClosed), ErrInvalidTransition)
}

func TestParticipantRole_CanTransition(t *testing.T) {
	assert.NoError(t, RoleListener.CanTransition(RoleSpeaker))
	assert.NoError(t, RoleSpeaker.CanTransition(RoleListener))
	assert.ErrorIs(t, RoleSpeaker.CanTransition(RoleSpeaker), ErrInvalidTransition)
	assert.ErrorIs(t, RoleListener.CanTransition(RoleListener), ErrInvalidTransition)
	assert.ErrorIs(t, ParticipantRole("host").CanTransition(RoleSpeaker), ErrInvalidTransition)
}

func TestParticipantRole_Permission(t *testing.T) {
	assert.Equal(t, MediaPermission{CanPublish: true, CanSubscribe: true, CanPublishData: true}, RoleSpeaker.Permission())
	assert.Equal(t, MediaPermission{CanSubscribe: true, CanPublishData: true}, RoleListener.Permission())
	assert.Equal(t, MediaPermission{}, ParticipantRole("").Permission())
}

func TestVoiceRoom_Helpers(t *testing.T) {
	room := &VoiceRoom{CreatorID: 1, MaxSpeakers: 2, SpeakerCount: 1, Status: RoomActive}
	assert.True(t, room.IsCreator(1))
	assert.False(t, room.IsCreator(2))
	assert.False(t, room.StageFull())
	assert.NoError(t, room.EnsureActive())

	room.SpeakerCount = 2
	assert.True(t, room.StageFull())

	room.Status = RoomClosed
	assert.ErrorIs(t, room.EnsureActive(), ErrRoomNotActive)
}
