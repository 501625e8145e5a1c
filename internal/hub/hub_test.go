package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/service"
)

type received struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// drain 非阻塞地取出连接发送队列中的全部消息
func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var msg received
			require.NoError(t, json.Unmarshal(raw, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []received) []string {
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		names = append(names, m.Event)
	}
	return names
}

func TestHub_RegisterTracksFirstAndLastConnection(t *testing.T) {
	h := NewHub(nil, "test:")
	c1 := NewClient(h, nil, 1)
	c2 := NewClient(h, nil, 1)

	assert.True(t, h.Register(c1))
	assert.False(t, h.Register(c2))
	assert.Equal(t, 2, h.ClientCount())
	assert.True(t, h.IsSubscribed(c1, service.UserKey(1)))

	assert.False(t, h.Unregister(c1))
	assert.True(t, h.Unregister(c2))
	assert.False(t, h.Unregister(c2), "重复注销应无副作用")
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.Subscribers(service.UserKey(1)))

	_, open := <-c1.send
	assert.False(t, open, "注销后发送通道应关闭")
}

func TestHub_BroadcastScopedToRoomKey(t *testing.T) {
	h := NewHub(nil, "test:")
	a := NewClient(h, nil, 1)
	b := NewClient(h, nil, 2)
	outsider := NewClient(h, nil, 3)
	h.Register(a)
	h.Register(b)
	h.Register(outsider)

	key := service.ConversationKey(10)
	h.Join(a, key)
	h.Join(b, key)
	h.Join(b, key)
	assert.Equal(t, 2, h.Subscribers(key))

	h.Broadcast(key, "dm:new_message", map[string]int{"id": 1})
	assert.Equal(t, []string{"dm:new_message"}, events(drain(t, a)))
	assert.Equal(t, []string{"dm:new_message"}, events(drain(t, b)))
	assert.Empty(t, drain(t, outsider))

	h.BroadcastExcept(key, "dm:typing", nil, a)
	assert.Empty(t, drain(t, a))
	assert.Len(t, drain(t, b), 1)

	h.Leave(b, key)
	h.Broadcast(key, "dm:read_receipt", nil)
	assert.Empty(t, drain(t, b))
	assert.Len(t, drain(t, a), 1)
}

func TestHub_NotifyUserReachesEveryConnection(t *testing.T) {
	h := NewHub(nil, "test:")
	c1 := NewClient(h, nil, 5)
	c2 := NewClient(h, nil, 5)
	other := NewClient(h, nil, 6)
	h.Register(c1)
	h.Register(c2)
	h.Register(other)

	h.NotifyUser(5, "dm:conversation_updated", nil)
	assert.Len(t, drain(t, c1), 1)
	assert.Len(t, drain(t, c2), 1)
	assert.Empty(t, drain(t, other))
}

func TestHub_CloseRoomUnsubscribesEveryone(t *testing.T) {
	h := NewHub(nil, "test:")
	a := NewClient(h, nil, 1)
	b := NewClient(h, nil, 2)
	h.Register(a)
	h.Register(b)
	key := service.VoiceRoomKey(3)
	h.Join(a, key)
	h.Join(b, key)

	h.CloseRoom(key)
	assert.False(t, h.IsSubscribed(a, key))
	assert.False(t, h.IsSubscribed(b, key))
	assert.Equal(t, 0, h.Subscribers(key))

	h.Broadcast(key, "voice:new_message", nil)
	assert.Empty(t, drain(t, a))
}

func TestHub_LeaveUserDropsEveryConnection(t *testing.T) {
	h := NewHub(nil, "test:")
	c1 := NewClient(h, nil, 5)
	c2 := NewClient(h, nil, 5)
	other := NewClient(h, nil, 6)
	key := service.VoiceRoomKey(3)
	for _, c := range []*Client{c1, c2, other} {
		h.Register(c)
		h.Join(c, key)
	}
	h.Join(c1, service.VoiceLobbyKey)

	h.LeaveUser(5, key)
	assert.False(t, h.IsSubscribed(c1, key))
	assert.False(t, h.IsSubscribed(c2, key))
	assert.True(t, h.IsSubscribed(c1, service.VoiceLobbyKey))
	assert.True(t, h.IsSubscribed(other, key))
	assert.Equal(t, 1, h.Subscribers(key))

	h.Broadcast(key, "voice:new_message", nil)
	assert.Empty(t, drain(t, c1))
	assert.Empty(t, drain(t, c2))
	assert.Len(t, drain(t, other), 1)

	h.LeaveUser(5, key)
	h.LeaveUser(42, key)
	assert.Equal(t, 1, h.Subscribers(key))
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h := NewHub(nil, "test:")
	slow := NewClient(h, nil, 1)
	fast := NewClient(h, nil, 2)
	h.Register(slow)
	h.Register(fast)
	key := service.VoiceLobbyKey
	h.Join(slow, key)
	h.Join(fast, key)

	for i := 0; i < sendBufferSize; i++ {
		slow.send <- []byte(`{}`)
	}
	h.Broadcast(key, "voice:room_created", nil)
	assert.Len(t, drain(t, fast), 1)
	assert.Len(t, slow.send, sendBufferSize)
}

func TestHub_SendAfterUnregisterIsDropped(t *testing.T) {
	h := NewHub(nil, "test:")
	c := NewClient(h, nil, 1)
	h.Register(c)
	h.Unregister(c)

	assert.False(t, c.Send("ack", nil))
}

func TestHub_FanoutFromOtherInstance(t *testing.T) {
	h := NewHub(nil, "test:")
	c := NewClient(h, nil, 1)
	h.Register(c)
	key := service.ConversationKey(1)
	h.Join(c, key)

	foreign, err := json.Marshal(fanoutMessage{Origin: "other", RoomKey: key, Data: json.RawMessage(`{"event":"dm:typing","data":null}`)})
	require.NoError(t, err)
	h.handleFanout(string(foreign))
	assert.Equal(t, []string{"dm:typing"}, events(drain(t, c)))

	// 自己发布的消息已经在本地投递过
	own, err := json.Marshal(fanoutMessage{Origin: h.instanceID, RoomKey: key, Data: json.RawMessage(`{"event":"dm:typing"}`)})
	require.NoError(t, err)
	h.handleFanout(string(own))
	assert.Empty(t, drain(t, c))

	closeMsg, err := json.Marshal(fanoutMessage{Origin: "other", RoomKey: key, Close: true})
	require.NoError(t, err)
	h.handleFanout(string(closeMsg))
	assert.False(t, h.IsSubscribed(c, key))

	h.handleFanout("not json")
}

func TestHub_LeaveUserFanoutFromOtherInstance(t *testing.T) {
	h := NewHub(nil, "test:")
	c := NewClient(h, nil, 7)
	h.Register(c)
	key := service.VoiceRoomKey(9)
	h.Join(c, key)

	msg, err := json.Marshal(fanoutMessage{Origin: "other", RoomKey: key, UserID: 7})
	require.NoError(t, err)
	h.handleFanout(string(msg))
	assert.False(t, h.IsSubscribed(c, key))
	assert.True(t, h.IsSubscribed(c, service.UserKey(7)))
	assert.Empty(t, drain(t, c))
}
