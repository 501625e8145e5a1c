package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/domain"
	"lingo-social/internal/dto"
	"lingo-social/internal/service"
)

func TestDMService_FindOrCreateConversation_OrderIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	ab, err := env.dm.FindOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	ba, err := env.dm.FindOrCreateConversation(ctx, bob, alice)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Less(t, ab.UserAID, ab.UserBID, "会话参与者按 ID 规范化存储")
}

func TestDMService_FindOrCreateConversation_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	const n = 8
	ids := make([]uint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			conv, err := env.dm.FindOrCreateConversation(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, env.db.Model(&domain.Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDMService_FindOrCreateConversation_Rejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice")

	_, err := env.dm.FindOrCreateConversation(ctx, alice, alice)
	assert.ErrorIs(t, err, service.ErrSelfConversation)

	_, err = env.dm.FindOrCreateConversation(ctx, alice, 9999)
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestDMService_SendDirect_IdempotentRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")

	in := service.SendMessageInput{SenderID: u1, Content: "hello", ClientToken: "tok1"}
	first, err := env.dm.SendDirect(ctx, u2, in)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	conv, err := env.dm.FindOrCreateConversation(ctx, u1, u2)
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessagePreview)
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, first.Message.ID, *conv.LastMessageID)

	retry, err := env.dm.SendDirect(ctx, u2, in)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	var count int64
	require.NoError(t, env.db.Model(&domain.Message{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Len(t, env.broadcaster.Find(service.ConversationKey(conv.ID), dto.EventNewMessage), 1)
	assert.Len(t, env.broadcaster.Find(service.UserKey(u2), dto.EventConversationUpdated), 1)
}

func TestDMService_SendMessage_TokenScopedToConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")
	u3 := env.createUser(t, "u3")

	a, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: "hi", ClientToken: "same"})
	require.NoError(t, err)
	b, err := env.dm.SendDirect(ctx, u3, service.SendMessageInput{SenderID: u1, Content: "hi", ClientToken: "same"})
	require.NoError(t, err)

	assert.False(t, b.Duplicate)
	assert.NotEqual(t, a.Message.ID, b.Message.ID)
}

func TestDMService_SendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")
	u3 := env.createUser(t, "u3")
	conv, err := env.dm.FindOrCreateConversation(ctx, u1, u2)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   service.SendMessageInput
		want error
	}{
		{"empty text", service.SendMessageInput{ConversationID: conv.ID, SenderID: u1, Content: "   "}, service.ErrInvalid},
		{"image without url", service.SendMessageInput{ConversationID: conv.ID, SenderID: u1, Type: domain.MessageImage}, service.ErrInvalid},
		{"unknown type", service.SendMessageInput{ConversationID: conv.ID, SenderID: u1, Type: "video", Content: "x"}, service.ErrInvalid},
		{"not a participant", service.SendMessageInput{ConversationID: conv.ID, SenderID: u3, Content: "x"}, service.ErrNotParticipant},
		{"missing conversation", service.SendMessageInput{ConversationID: 9999, SenderID: u1, Content: "x"}, service.ErrConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.dm.SendMessage(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, env.broadcaster.Count(dto.EventNewMessage))
}

func TestDMService_MarkRead_WatermarkMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")

	var (
		ids    []uint
		convID uint
	)
	for _, text := range []string{"one", "two", "three"} {
		res, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: text})
		require.NoError(t, err)
		ids = append(ids, res.Message.ID)
		convID = res.Message.ConversationID
	}
	update := env.broadcaster.Find(service.UserKey(u2), dto.EventConversationUpdated)
	require.Len(t, update, 3)
	assert.Equal(t, int64(3), update[2].Payload.(dto.ConversationUpdatedPayload).UnreadCount)

	total, err := env.dm.UnreadCount(ctx, u2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	wm, err := env.dm.MarkRead(ctx, convID, u2, ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], wm)

	// 乱序到达的旧确认不会让水位回退
	wm, err = env.dm.MarkRead(ctx, convID, u2, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], wm)

	assert.Len(t, env.broadcaster.Find(service.ConversationKey(convID), dto.EventReadReceipt), 1)

	total, err = env.dm.UnreadCount(ctx, u2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestDMService_MarkRead_MessageFromOtherConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")
	u3 := env.createUser(t, "u3")

	other, err := env.dm.SendDirect(ctx, u3, service.SendMessageInput{SenderID: u1, Content: "elsewhere"})
	require.NoError(t, err)
	conv, err := env.dm.FindOrCreateConversation(ctx, u1, u2)
	require.NoError(t, err)

	_, err = env.dm.MarkRead(ctx, conv.ID, u2, other.Message.ID)
	assert.ErrorIs(t, err, service.ErrMessageNotFound)
}

func TestDMService_DeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")

	res, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: "oops"})
	require.NoError(t, err)
	msgID := res.Message.ID
	convID := res.Message.ConversationID

	assert.ErrorIs(t, env.dm.DeleteMessage(ctx, msgID, u2), service.ErrNotSender)
	require.NoError(t, env.dm.DeleteMessage(ctx, msgID, u1))
	assert.ErrorIs(t, env.dm.DeleteMessage(ctx, msgID, u1), service.ErrMessageNotFound)

	msgs, err := env.dm.ListMessages(ctx, convID, u2, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)

	// 已删除的消息不计入未读
	total, err := env.dm.UnreadCount(ctx, u2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	assert.Len(t, env.broadcaster.Find(service.ConversationKey(convID), dto.EventMessageDeleted), 1)
}

func TestDMService_ListMessages_Cursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")

	var convID uint
	for i := 0; i < 5; i++ {
		res, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: "m"})
		require.NoError(t, err)
		convID = res.Message.ConversationID
	}

	page1, err := env.dm.ListMessages(ctx, convID, u1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Greater(t, page1[0].ID, page1[1].ID)
	assert.Equal(t, "u1", page1[0].Sender.Username)

	page2, err := env.dm.ListMessages(ctx, convID, u1, page1[1].ID, 10)
	require.NoError(t, err)
	assert.Len(t, page2, 3)
	for _, m := range page2 {
		assert.Less(t, m.ID, page1[1].ID)
	}
}

func TestDMService_ListConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")
	u3 := env.createUser(t, "u3")
	u4 := env.createUser(t, "u4")

	_, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: "to u2"})
	require.NoError(t, err)
	_, err = env.dm.SendDirect(ctx, u1, service.SendMessageInput{SenderID: u3, Content: "from u3"})
	require.NoError(t, err)
	// 没有消息的会话不出现在列表中
	_, err = env.dm.FindOrCreateConversation(ctx, u1, u4)
	require.NoError(t, err)

	views, err := env.dm.ListConversations(ctx, u1, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, u3, views[0].Peer.ID, "最近的会话排在前面")
	assert.Equal(t, int64(1), views[0].UnreadCount)
	assert.Equal(t, int64(0), views[1].UnreadCount)

	// 屏蔽后会话从列表中隐藏
	require.NoError(t, env.social.Block(ctx, u1, u3))
	views, err = env.dm.ListConversations(ctx, u1, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, u2, views[0].Peer.ID)
}

func TestDMService_BlockedCannotMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := env.createUser(t, "u1")
	u2 := env.createUser(t, "u2")

	res, err := env.dm.SendDirect(ctx, u2, service.SendMessageInput{SenderID: u1, Content: "before"})
	require.NoError(t, err)

	require.NoError(t, env.social.Block(ctx, u1, u2))

	_, err = env.dm.SendDirect(ctx, u1, service.SendMessageInput{SenderID: u2, Content: "hey"})
	assert.ErrorIs(t, err, service.ErrBlocked)
	assert.Equal(t, "forbidden", service.ErrorCode(err))

	// 已有会话中途屏蔽同样生效
	_, err = env.dm.SendMessage(ctx, service.SendMessageInput{ConversationID: res.Message.ConversationID, SenderID: u2, Content: "hey"})
	assert.ErrorIs(t, err, service.ErrBlocked)
}
