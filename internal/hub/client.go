package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/dto"
)

// MessageHandler 处理从连接读到的消息，由 Dispatcher 实现。
// HandleMessage 在连接的读 goroutine 上同步调用，同一连接的事件按到达顺序处理。
type MessageHandler interface {
	HandleMessage(c *Client, raw []byte)
	Connected(c *Client, first bool)
	Disconnected(c *Client, last bool)
}

// Client 代表一个连接到 Hub 的 WebSocket 客户端，绑定唯一用户身份
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	userID uint
	send   chan []byte

	// 以下字段只在持有 hub.mu 时访问
	rooms  map[string]bool
	closed bool
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]bool),
	}
}

// Run 登记连接并启动读写 goroutine
func (c *Client) Run(handler MessageHandler) {
	first := c.hub.Register(c)
	handler.Connected(c, first)
	go c.WritePump()
	go c.ReadPump(handler)
}

// ReadPump 从 WebSocket 连接读取消息并交给 handler。
// 读超时 (pong 未按时到达) 与正常关闭走同一条注销路径。
func (c *Client) ReadPump(handler MessageHandler) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id})
	defer func() {
		last := c.hub.Unregister(c)
		handler.Disconnected(c, last)
		c.conn.Close()
		logCtx.Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			logCtx.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		handler.HandleMessage(c, message)
	}
}

// WritePump 将消息从 send 通道写入 WebSocket 连接，并定期发送 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	logCtx := logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id})
	defer func() {
		ticker.Stop()
		c.conn.Close()
		logCtx.Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 已注销此连接
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logCtx.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logCtx.WithError(err).Debug("Failed to send ping message")
				return
			}
		}
	}
}

// Send 直接向此连接推送事件
func (c *Client) Send(event string, payload interface{}) bool {
	data, err := json.Marshal(dto.Outbound{Event: event, Data: payload})
	if err != nil {
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "event": event}).WithError(err).Error("Failed to marshal event")
		return false
	}
	return c.hub.sendTo(c, data)
}

// SendRaw 推送已经序列化好的消息，例如 ack
func (c *Client) SendRaw(data []byte) bool {
	return c.hub.sendTo(c, data)
}

func (c *Client) ID() string   { return c.id }
func (c *Client) UserID() uint { return c.userID }
func (c *Client) CloseConn()   { c.conn.Close() }
