package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/dto"
	"lingo-social/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 * 1024

	sendBufferSize = 256
)

// fanoutMessage 跨实例广播时在 Redis 频道上传递的结构
type fanoutMessage struct {
	Origin  string          `json:"origin"`
	RoomKey string          `json:"room_key"`
	Close   bool            `json:"close,omitempty"`
	UserID  uint            `json:"user_id,omitempty"` // 非零时把该用户的连接移出 RoomKey
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hub 是连接网关：维护 roomKey -> 连接集合 的映射，只通过 Join/Leave/Broadcast 暴露给业务层。
// 配置了 Redis 时，每次广播同时发布到 Pub/Sub 频道，由其他实例转发给各自的本地连接。
type Hub struct {
	rooms map[string]map[*Client]bool
	users map[uint]map[*Client]bool
	mu    sync.RWMutex

	redis      *redis.Client
	channel    string
	instanceID string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub 创建并返回一个新的 Hub 实例。redisClient 为 nil 时只做本地广播。
func NewHub(redisClient *redis.Client, keyPrefix string) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		users:      make(map[uint]map[*Client]bool),
		redis:      redisClient,
		channel:    keyPrefix + "hub:fanout",
		instanceID: uuid.NewString(),
		stop:       make(chan struct{}),
	}
}

var _ service.Broadcaster = (*Hub)(nil)

// Run 订阅跨实例广播频道，直到 StopAllSubscriptions 被调用。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithFields(logrus.Fields{"component": "hub", "instance_id": h.instanceID})
	if h.redis == nil {
		log.Info("Hub is running in local mode")
		<-h.stop
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.WithError(err).Error("Failed to subscribe hub fan-out channel, falling back to local mode")
		<-h.stop
		return
	}
	log.WithField("channel", h.channel).Info("Hub is running...")

	ch := pubsub.Channel()
	for {
		select {
		case <-h.stop:
			log.Info("Hub is shutting down...")
			return
		case msg, ok := <-ch:
			if !ok {
				log.Warn("Hub fan-out channel closed")
				return
			}
			h.handleFanout(msg.Payload)
		}
	}
}

// StopAllSubscriptions 停止 Run 循环
func (h *Hub) StopAllSubscriptions() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) handleFanout(raw string) {
	var msg fanoutMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logrus.WithError(err).Warn("Hub: malformed fan-out message")
		return
	}
	if msg.Origin == h.instanceID {
		return
	}
	if msg.Close {
		h.closeLocal(msg.RoomKey)
		return
	}
	if msg.UserID != 0 {
		h.leaveUserLocal(msg.UserID, msg.RoomKey)
		return
	}
	h.deliver(msg.RoomKey, msg.Data, nil)
}

// Register 登记连接并自动加入个人频道，返回该连接是否为此用户在本实例上的第一个连接
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.users[c.userID] = conns
	}
	first := len(conns) == 0
	conns[c] = true
	h.joinLocked(c, service.UserKey(c.userID))
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id, "first": first}).Info("Client registered to Hub")
	return first
}

// Unregister 移除连接的所有订阅并关闭其发送通道，返回它是否为此用户的最后一个连接
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.userID]
	if !ok || !conns[c] {
		return false
	}
	delete(conns, c)
	last := len(conns) == 0
	if last {
		delete(h.users, c.userID)
	}

	for key := range c.rooms {
		if members, ok := h.rooms[key]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, key)
			}
		}
	}
	c.rooms = make(map[string]bool)
	c.closed = true
	close(c.send)

	logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id, "last": last}).Info("Client unregistered from Hub")
	return last
}

// Join 把连接加入频道，重复加入无副作用
func (h *Hub) Join(c *Client, roomKey string) {
	h.mu.Lock()
	h.joinLocked(c, roomKey)
	h.mu.Unlock()
}

func (h *Hub) joinLocked(c *Client, roomKey string) {
	members, ok := h.rooms[roomKey]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomKey] = members
	}
	members[c] = true
	c.rooms[roomKey] = true
}

// Leave 把连接移出频道
func (h *Hub) Leave(c *Client, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, roomKey)
	if members, ok := h.rooms[roomKey]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomKey)
		}
	}
}

// LeaveUser 把用户在所有实例上的连接移出频道
func (h *Hub) LeaveUser(userID uint, roomKey string) {
	h.leaveUserLocal(userID, roomKey)
	h.publish(fanoutMessage{Origin: h.instanceID, RoomKey: roomKey, UserID: userID})
}

func (h *Hub) leaveUserLocal(userID uint, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomKey]
	for c := range h.users[userID] {
		delete(c.rooms, roomKey)
		delete(members, c)
	}
	if members != nil && len(members) == 0 {
		delete(h.rooms, roomKey)
	}
}

// IsSubscribed 判断连接当前是否订阅了频道
func (h *Hub) IsSubscribed(c *Client, roomKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[roomKey]
}

// Broadcast 向频道内所有连接推送事件
func (h *Hub) Broadcast(roomKey string, event string, payload interface{}) {
	h.BroadcastExcept(roomKey, event, payload, nil)
}

// BroadcastExcept 推送事件并排除指定连接，用于正在输入等中继事件
func (h *Hub) BroadcastExcept(roomKey string, event string, payload interface{}, exclude *Client) {
	data, err := json.Marshal(dto.Outbound{Event: event, Data: payload})
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_key": roomKey, "event": event}).WithError(err).Error("Failed to marshal outbound event")
		return
	}
	h.deliver(roomKey, data, exclude)
	h.publish(fanoutMessage{Origin: h.instanceID, RoomKey: roomKey, Data: data})
}

// NotifyUser 向用户的个人频道推送事件
func (h *Hub) NotifyUser(userID uint, event string, payload interface{}) {
	h.Broadcast(service.UserKey(userID), event, payload)
}

// CloseRoom 取消所有连接对频道的订阅
func (h *Hub) CloseRoom(roomKey string) {
	h.closeLocal(roomKey)
	h.publish(fanoutMessage{Origin: h.instanceID, RoomKey: roomKey, Close: true})
}

func (h *Hub) closeLocal(roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomKey]
	if !ok {
		return
	}
	for c := range members {
		delete(c.rooms, roomKey)
	}
	delete(h.rooms, roomKey)
	logrus.WithFields(logrus.Fields{"room_key": roomKey, "client_count": len(members)}).Debug("Room subscriptions closed")
}

// deliver 非阻塞地把消息放入本地连接的发送队列
func (h *Hub) deliver(roomKey string, message []byte, exclude *Client) {
	h.mu.RLock()
	members := h.rooms[roomKey]
	recipients := make([]*Client, 0, len(members))
	for c := range members {
		if c != exclude {
			recipients = append(recipients, c)
		}
	}
	// 持有读锁发送，保证 Unregister 不会在发送途中关闭通道
	for _, c := range recipients {
		select {
		case c.send <- message:
		default:
			logrus.WithFields(logrus.Fields{"room_key": roomKey, "user_id": c.userID, "client_id": c.id}).Warn("Client send channel full during broadcast, skipping this client")
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) publish(msg fanoutMessage) {
	if h.redis == nil {
		return
	}
	if msg.RoomKey == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, h.channel, data).Err(); err != nil {
		logrus.WithFields(logrus.Fields{"room_key": msg.RoomKey}).WithError(err).Warn("Failed to publish hub fan-out message")
	}
}

// sendTo 向单个连接推送，连接已注销时丢弃
func (h *Hub) sendTo(c *Client, message []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id}).Warn("Client send channel full, dropping direct message")
		return false
	}
}

// ClientCount 返回本实例上的连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// Subscribers 返回频道在本实例上的连接数
func (h *Hub) Subscribers(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey])
}
