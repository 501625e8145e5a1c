package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/domain"
	gormpersistence "lingo-social/internal/infra/persistence/gorm"
	"lingo-social/internal/infra/setup"
	"lingo-social/internal/repository"
)

func TestCloseRoomTx_RejectsClosedRoom(t *testing.T) {
	db, err := setup.InitDB(setup.DBConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, setup.MigrateDB(db))
	ctx := context.Background()
	repo := gormpersistence.NewGormVoiceRoomRepository(db)

	room := &domain.VoiceRoom{
		CreatorID:     1,
		Title:         "R",
		MaxSpeakers:   domain.MaxSpeakers,
		RelayRoomName: relayRoomPrefix + uuid.NewString(),
		SpeakerCount:  1,
		Status:        domain.RoomActive,
	}
	require.NoError(t, repo.CreateRoom(ctx, room))

	err = repo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := tx.LockRoom(ctx, room.ID)
		if err != nil {
			return err
		}
		locked.Status = domain.RoomClosed
		_, err = closeRoomTx(ctx, tx, locked, timeNow())
		return err
	})
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomActive, stored.Status)
	assert.Equal(t, 1, stored.SpeakerCount)
	assert.Nil(t, stored.ClosedAt)

	err = repo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := tx.LockRoom(ctx, room.ID)
		if err != nil {
			return err
		}
		_, err = closeRoomTx(ctx, tx, locked, timeNow())
		return err
	})
	require.NoError(t, err)
	stored, err = repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomClosed, stored.Status)
}
