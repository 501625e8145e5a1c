package mocks

import (
	"sync"

	"lingo-social/internal/service"
)

// Event 记录一次推送
type Event struct {
	Key     string
	Event   string
	Payload interface{}
}

// Broadcaster 记录所有推送，供断言使用
type Broadcaster struct {
	mu     sync.Mutex
	Events []Event
	Closed []string
	// Left 记录 LeaveUser 调用，Key 为频道，Payload 为用户 ID
	Left []Event
}

func (b *Broadcaster) Broadcast(roomKey string, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, Event{Key: roomKey, Event: event, Payload: payload})
}

func (b *Broadcaster) NotifyUser(userID uint, event string, payload interface{}) {
	b.Broadcast(service.UserKey(userID), event, payload)
}

func (b *Broadcaster) CloseRoom(roomKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = append(b.Closed, roomKey)
}

func (b *Broadcaster) LeaveUser(userID uint, roomKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Left = append(b.Left, Event{Key: roomKey, Payload: userID})
}

// HasLeft 判断是否移除过用户在 roomKey 上的订阅
func (b *Broadcaster) HasLeft(userID uint, roomKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.Left {
		if e.Key == roomKey && e.Payload == userID {
			return true
		}
	}
	return false
}

// Find 返回发往 key 的名为 event 的推送
func (b *Broadcaster) Find(key, event string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.Events {
		if e.Key == key && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Count 返回名为 event 的推送总数
func (b *Broadcaster) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.Events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Reset 清空记录
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = nil
	b.Closed = nil
	b.Left = nil
}

var _ service.Broadcaster = (*Broadcaster)(nil)
