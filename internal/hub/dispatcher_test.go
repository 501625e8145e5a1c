package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/domain"
	gormpersistence "lingo-social/internal/infra/persistence/gorm"
	"lingo-social/internal/infra/setup"
	"lingo-social/internal/service"
)

type dispatcherEnv struct {
	hub        *Hub
	dispatcher *Dispatcher
	social     *service.SocialService
	voice      *service.VoiceService
	users      *gormpersistence.GormUserRepository
}

func newDispatcherEnv(t *testing.T) *dispatcherEnv {
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

	h := NewHub(nil, "test:")
	userRepo := gormpersistence.NewGormUserRepository(db)
	convRepo := gormpersistence.NewGormConversationRepository(db)
	social := service.NewSocialService(gormpersistence.NewGormSocialRepository(db), userRepo)
	presence := service.NewPresenceService(nil, convRepo, h, 30*time.Second)
	dm := service.NewDMService(convRepo, userRepo, social, presence, h)
	voice := service.NewVoiceService(gormpersistence.NewGormVoiceRoomRepository(db), userRepo, social, nil, nil, h)

	return &dispatcherEnv{
		hub:        h,
		dispatcher: NewDispatcher(h, dm, voice, presence),
		social:     social,
		voice:      voice,
		users:      userRepo,
	}
}

func (e *dispatcherEnv) connect(t *testing.T, username string) *Client {
	t.Helper()
	user := &domain.User{Username: username, Password: "x", DisplayName: username}
	require.NoError(t, e.users.Save(context.Background(), user))
	c := NewClient(e.hub, nil, user.ID)
	e.dispatcher.Connected(c, e.hub.Register(c))
	return c
}

func (e *dispatcherEnv) send(t *testing.T, c *Client, event, ackID string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{"event": event, "ack_id": ackID, "data": json.RawMessage(payload)})
	require.NoError(t, err)
	e.dispatcher.HandleMessage(c, raw)
}

func findEvent(msgs []received, event string) (received, bool) {
	for _, m := range msgs {
		if m.Event == event {
			return m, true
		}
	}
	return received{}, false
}

func TestDispatcher_MalformedAndUnknownEvents(t *testing.T) {
	env := newDispatcherEnv(t)
	c := env.connect(t, "alice")
	drain(t, c)

	env.dispatcher.HandleMessage(c, []byte("{not json"))
	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Event)

	env.send(t, c, "dm:does_not_exist", "a1", map[string]int{})
	msgs = drain(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ack", msgs[0].Event)
	assert.Equal(t, "a1", msgs[0].AckID)
	assert.False(t, msgs[0].OK)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, "invalid", msgs[0].Error.Code)
}

func TestDispatcher_DirectMessageFlow(t *testing.T) {
	env := newDispatcherEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	drain(t, alice)
	drain(t, bob)

	env.send(t, alice, "dm:send_message", "m1", map[string]interface{}{
		"recipient_id": bob.userID,
		"type":         "text",
		"content":      "hello",
		"client_token": "tok-1",
	})
	msgs := drain(t, alice)
	ack, ok := findEvent(msgs, "ack")
	require.True(t, ok)
	require.True(t, ack.OK)
	var sent struct {
		ID             uint `json:"id"`
		ConversationID uint `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.NotZero(t, sent.ConversationID)
	convKey := service.ConversationKey(sent.ConversationID)
	assert.True(t, env.hub.IsSubscribed(alice, convKey), "发送者应自动订阅新会话")

	_, ok = findEvent(drain(t, bob), "dm:conversation_updated")
	assert.True(t, ok, "接收者通过个人频道收到会话更新")

	// 未订阅时不能发送正在输入
	env.send(t, bob, "dm:typing_start", "t1", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, bob), "ack")
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "forbidden", ack.Error.Code)

	env.send(t, bob, "dm:join_conversation", "j1", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, bob), "ack")
	assert.True(t, ack.OK)

	env.send(t, bob, "dm:typing_start", "", map[string]uint{"conversation_id": sent.ConversationID})
	assert.Empty(t, drain(t, bob), "正在输入不回显给自己")
	typing, ok := findEvent(drain(t, alice), "dm:typing")
	require.True(t, ok)
	assert.Contains(t, string(typing.Data), `"is_typing":true`)

	env.send(t, bob, "dm:mark_read", "r1", map[string]uint{"conversation_id": sent.ConversationID, "message_id": sent.ID})
	ack, _ = findEvent(drain(t, bob), "ack")
	assert.True(t, ack.OK)
	_, ok = findEvent(drain(t, alice), "dm:read_receipt")
	assert.True(t, ok)
}

func TestDispatcher_JoinConversationRequiresParticipant(t *testing.T) {
	env := newDispatcherEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	mallory := env.connect(t, "mallory")

	env.send(t, alice, "dm:send_message", "m1", map[string]interface{}{
		"recipient_id": bob.userID, "type": "text", "content": "hi",
	})
	ack, _ := findEvent(drain(t, alice), "ack")
	require.True(t, ack.OK)
	var sent struct {
		ConversationID uint `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sent))

	drain(t, mallory)
	env.send(t, mallory, "dm:join_conversation", "j1", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, mallory), "ack")
	assert.False(t, ack.OK)
	assert.False(t, env.hub.IsSubscribed(mallory, service.ConversationKey(sent.ConversationID)))
}

func TestDispatcher_VoiceRoomSubscriptionAndRelay(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	host := env.connect(t, "host")
	guest := env.connect(t, "guest")

	created, err := env.voice.CreateRoom(ctx, host.userID, service.CreateRoomInput{Title: "Coffee talk"})
	require.NoError(t, err)
	roomID := created.Room.ID
	roomKey := service.VoiceRoomKey(roomID)

	env.send(t, host, "voice:join_room", "h1", map[string]uint{"room_id": roomID})
	ack, _ := findEvent(drain(t, host), "ack")
	require.True(t, ack.OK)

	// 没有通过 REST 加入时只能被拒绝
	env.send(t, guest, "voice:join_room", "g1", map[string]uint{"room_id": roomID})
	ack, _ = findEvent(drain(t, guest), "ack")
	assert.False(t, ack.OK)
	assert.False(t, env.hub.IsSubscribed(guest, roomKey))

	env.send(t, guest, "voice:reaction", "g2", map[string]interface{}{"room_id": roomID, "reaction": "👏"})
	ack, _ = findEvent(drain(t, guest), "ack")
	assert.False(t, ack.OK)

	_, err = env.voice.JoinAsListener(ctx, roomID, guest.userID)
	require.NoError(t, err)
	drain(t, host)
	env.send(t, guest, "voice:join_room", "g3", map[string]uint{"room_id": roomID})
	ack, _ = findEvent(drain(t, guest), "ack")
	require.True(t, ack.OK)
	assert.True(t, env.hub.IsSubscribed(guest, roomKey))

	env.send(t, guest, "voice:reaction", "", map[string]interface{}{"room_id": roomID, "reaction": "👏"})
	reaction, ok := findEvent(drain(t, host), "voice:reaction")
	require.True(t, ok)
	assert.Contains(t, string(reaction.Data), fmt.Sprintf(`"user_id":%d`, guest.userID))

	env.send(t, guest, "voice:send_message", "c1", map[string]interface{}{"room_id": roomID, "content": "hi all"})
	_, ok = findEvent(drain(t, host), "voice:new_message")
	assert.True(t, ok)
	ack, _ = findEvent(drain(t, guest), "ack")
	assert.True(t, ack.OK)

	env.send(t, guest, "voice:leave_room", "l1", map[string]uint{"room_id": roomID})
	ack, _ = findEvent(drain(t, guest), "ack")
	assert.True(t, ack.OK)
	assert.False(t, env.hub.IsSubscribed(guest, roomKey))
	_, ok = findEvent(drain(t, host), "voice:participant_left")
	assert.True(t, ok)

	// 已经离开时再次离开只取消订阅
	env.send(t, guest, "voice:leave_room", "l2", map[string]uint{"room_id": roomID})
	ack, _ = findEvent(drain(t, guest), "ack")
	assert.True(t, ack.OK)
}

func TestDispatcher_LeaveOverRESTStopsRoomEvents(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	host := env.connect(t, "host")
	guest := env.connect(t, "guest")
	guestTab := NewClient(env.hub, nil, guest.userID)
	env.hub.Register(guestTab)

	created, err := env.voice.CreateRoom(ctx, host.userID, service.CreateRoomInput{Title: "Coffee talk"})
	require.NoError(t, err)
	roomID := created.Room.ID
	roomKey := service.VoiceRoomKey(roomID)
	_, err = env.voice.JoinAsListener(ctx, roomID, guest.userID)
	require.NoError(t, err)
	for _, c := range []*Client{host, guest, guestTab} {
		env.send(t, c, "voice:join_room", "j", map[string]uint{"room_id": roomID})
		ack, _ := findEvent(drain(t, c), "ack")
		require.True(t, ack.OK)
	}
	drain(t, host)

	_, err = env.voice.Leave(ctx, roomID, guest.userID)
	require.NoError(t, err)
	assert.False(t, env.hub.IsSubscribed(guest, roomKey))
	assert.False(t, env.hub.IsSubscribed(guestTab, roomKey))
	_, ok := findEvent(drain(t, host), "voice:participant_left")
	assert.True(t, ok)
	assert.Empty(t, drain(t, guest))

	env.send(t, guest, "voice:gesture", "g1", map[string]interface{}{"room_id": roomID, "gesture": "wave"})
	ack, _ := findEvent(drain(t, guest), "ack")
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "forbidden", ack.Error.Code)

	env.send(t, host, "voice:send_message", "c1", map[string]interface{}{"room_id": roomID, "content": "still here?"})
	ack, _ = findEvent(drain(t, host), "ack")
	require.True(t, ack.OK)
	_, ok = findEvent(drain(t, guest), "voice:new_message")
	assert.False(t, ok)
	_, ok = findEvent(drain(t, guestTab), "voice:new_message")
	assert.False(t, ok)

	// 订阅残留也不能中继：以参与关系为准，并顺带取消订阅
	env.hub.Join(guestTab, roomKey)
	env.send(t, guestTab, "voice:character_position", "p1", map[string]interface{}{"room_id": roomID, "x": 1.5, "y": 2})
	ack, _ = findEvent(drain(t, guestTab), "ack")
	assert.False(t, ack.OK)
	assert.False(t, env.hub.IsSubscribed(guestTab, roomKey))
	_, ok = findEvent(drain(t, host), "voice:character_position")
	assert.False(t, ok)
}

func TestDispatcher_TypingAfterBlock(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	env.send(t, alice, "dm:send_message", "m1", map[string]interface{}{
		"recipient_id": bob.userID, "type": "text", "content": "hi",
	})
	ack, _ := findEvent(drain(t, alice), "ack")
	require.True(t, ack.OK)
	var sent struct {
		ConversationID uint `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	convKey := service.ConversationKey(sent.ConversationID)
	env.send(t, bob, "dm:join_conversation", "j1", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, bob), "ack")
	require.True(t, ack.OK)

	require.NoError(t, env.social.Block(ctx, alice.userID, bob.userID))

	env.send(t, bob, "dm:typing_start", "t1", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, bob), "ack")
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "forbidden", ack.Error.Code)
	assert.False(t, env.hub.IsSubscribed(bob, convKey))
	_, ok := findEvent(drain(t, alice), "dm:typing")
	assert.False(t, ok)

	// 屏蔽方同样不能再发送
	env.send(t, alice, "dm:typing_start", "t2", map[string]uint{"conversation_id": sent.ConversationID})
	ack, _ = findEvent(drain(t, alice), "ack")
	assert.False(t, ack.OK)
	assert.Empty(t, drain(t, bob))
}

func TestDispatcher_HeartbeatAndLobby(t *testing.T) {
	env := newDispatcherEnv(t)
	c := env.connect(t, "alice")
	drain(t, c)

	env.send(t, c, "presence:heartbeat", "hb", nil)
	ack, ok := findEvent(drain(t, c), "ack")
	require.True(t, ok)
	assert.True(t, ack.OK)
	assert.JSONEq(t, `{"ttl_seconds":30}`, string(ack.Data))

	env.send(t, c, "voice:join_lobby", "", nil)
	assert.True(t, env.hub.IsSubscribed(c, service.VoiceLobbyKey))
	env.send(t, c, "voice:leave_lobby", "", nil)
	assert.False(t, env.hub.IsSubscribed(c, service.VoiceLobbyKey))
}
