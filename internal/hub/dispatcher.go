package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"lingo-social/internal/dto"
	"lingo-social/internal/service"
)

const handlerTimeout = 15 * time.Second

var (
	errUnknownEvent  = fmt.Errorf("%w: unknown event", service.ErrInvalid)
	errMalformedData = fmt.Errorf("%w: malformed event data", service.ErrInvalid)
)

type eventHandler func(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error)

// Dispatcher 把入站事件路由到 DM / 语音 / 在线状态服务，并回复 ack 或 error 事件
type Dispatcher struct {
	hub      *Hub
	dm       *service.DMService
	voice    *service.VoiceService
	presence *service.PresenceService
	routes   map[string]eventHandler
}

// NewDispatcher 创建 Dispatcher。服务依赖 Hub 作为 Broadcaster，所以 Dispatcher 在服务之后单独创建。
func NewDispatcher(h *Hub, dm *service.DMService, voice *service.VoiceService, presence *service.PresenceService) *Dispatcher {
	if h == nil {
		panic("Hub cannot be nil for Dispatcher")
	}
	if dm == nil || voice == nil || presence == nil {
		panic("services cannot be nil for Dispatcher")
	}
	d := &Dispatcher{hub: h, dm: dm, voice: voice, presence: presence}
	d.routes = map[string]eventHandler{
		dto.EventJoinConversation:  d.joinConversation,
		dto.EventLeaveConversation: d.leaveConversation,
		dto.EventSendMessage:       d.sendMessage,
		dto.EventTypingStart:       d.typing(true),
		dto.EventTypingStop:        d.typing(false),
		dto.EventMarkRead:          d.markRead,
		dto.EventDeleteMessage:     d.deleteMessage,

		dto.EventJoinVoiceRoom:   d.joinVoiceRoom,
		dto.EventLeaveVoiceRoom:  d.leaveVoiceRoom,
		dto.EventJoinLobby:       d.joinLobby,
		dto.EventLeaveLobby:      d.leaveLobby,
		dto.EventRequestStage:    d.requestStage,
		dto.EventCancelStage:     d.cancelStage,
		dto.EventGrantStage:      d.grantStage,
		dto.EventRemoveFromStage: d.removeFromStage,
		dto.EventLeaveStage:      d.leaveStage,
		dto.EventSetMute:         d.setMute,
		dto.EventSendChat:        d.sendChat,

		dto.EventCharacterPosition: d.relayPosition,
		dto.EventReaction:          d.relayReaction,
		dto.EventGesture:           d.relayGesture,

		dto.EventHeartbeat: d.heartbeat,
	}
	return d
}

var _ MessageHandler = (*Dispatcher)(nil)

// Connected 用户在本实例上的第一个连接建立时标记在线
func (d *Dispatcher) Connected(c *Client, first bool) {
	if !first {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	d.presence.Connected(ctx, c.userID)
}

// Disconnected 最后一个连接断开时标记离线。语音房间的参与状态不受影响，客户端重连后重新订阅。
func (d *Dispatcher) Disconnected(c *Client, last bool) {
	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	d.presence.Disconnected(ctx, c.userID)
}

// HandleMessage 解析信封并调用对应的处理函数
func (d *Dispatcher) HandleMessage(c *Client, raw []byte) {
	var in dto.Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		d.reply(c, dto.Inbound{}, nil, errMalformedData)
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.id, "event": in.Event})

	handle, ok := d.routes[in.Event]
	if !ok {
		logCtx.Debug("Unknown event received")
		d.reply(c, in, nil, errUnknownEvent)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	result, err := handle(ctx, c, in.Data)
	if err != nil {
		if service.ErrorCode(err) == "internal" {
			logCtx.WithError(err).Error("Event handler failed")
		} else {
			logCtx.WithError(err).Debug("Event rejected")
		}
	}
	d.reply(c, in, result, err)
}

// reply 带 ack_id 的请求回 ack；没有 ack_id 时只有失败才推送 error 事件
func (d *Dispatcher) reply(c *Client, in dto.Inbound, result interface{}, err error) {
	if in.AckID == "" {
		if err != nil {
			c.Send(dto.EventError, errorPayload(in.Event, err))
		}
		return
	}
	ack := dto.Ack{Event: dto.EventAck, AckID: in.AckID, OK: err == nil}
	if err != nil {
		ack.Error = errorDTO(err)
	} else {
		ack.Data = result
	}
	data, mErr := json.Marshal(ack)
	if mErr != nil {
		logrus.WithField("ack_id", in.AckID).WithError(mErr).Error("Failed to marshal ack")
		return
	}
	c.SendRaw(data)
}

func errorDTO(err error) *dto.ErrorDTO {
	code := service.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal server error"
	}
	return &dto.ErrorDTO{Code: code, Message: msg}
}

func errorPayload(event string, err error) map[string]interface{} {
	e := errorDTO(err)
	return map[string]interface{}{"event": event, "code": e.Code, "message": e.Message}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errMalformedData
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedData, err)
	}
	return nil
}

// --- 私信 ---

func (d *Dispatcher) joinConversation(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.ConversationRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if _, err := d.dm.AuthorizeConversation(ctx, req.ConversationID, c.userID); err != nil {
		return nil, err
	}
	d.hub.Join(c, service.ConversationKey(req.ConversationID))
	return req, nil
}

func (d *Dispatcher) leaveConversation(_ context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.ConversationRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d.hub.Leave(c, service.ConversationKey(req.ConversationID))
	return req, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.SendMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	in := service.SendMessageInput{
		ConversationID: req.ConversationID,
		SenderID:       c.userID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		ClientToken:    req.ClientToken,
	}

	var (
		res *service.SendResult
		err error
	)
	if req.ConversationID == 0 && req.RecipientID != 0 {
		res, err = d.dm.SendDirect(ctx, req.RecipientID, in)
		if err == nil {
			// 新会话，发送者的当前连接直接订阅
			d.hub.Join(c, service.ConversationKey(res.Message.ConversationID))
		}
	} else {
		res, err = d.dm.SendMessage(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

func (d *Dispatcher) typing(isTyping bool) eventHandler {
	return func(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
		var req dto.ConversationRef
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		key := service.ConversationKey(req.ConversationID)
		if !d.hub.IsSubscribed(c, key) {
			return nil, service.ErrNotParticipant
		}
		// 屏蔽可能在订阅之后建立，每次都重新校验；失败时同时取消订阅
		if _, err := d.dm.AuthorizeInteraction(ctx, req.ConversationID, c.userID); err != nil {
			d.hub.Leave(c, key)
			return nil, err
		}
		event := dto.TypingPayload{ConversationID: req.ConversationID, UserID: c.userID, IsTyping: isTyping}
		d.hub.BroadcastExcept(key, dto.EventTyping, event, c)
		return nil, nil
	}
}

func (d *Dispatcher) markRead(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.MarkReadRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	watermark, err := d.dm.MarkRead(ctx, req.ConversationID, c.userID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return dto.ReadReceiptPayload{ConversationID: req.ConversationID, UserID: c.userID, LastReadMessageID: watermark}, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.DeleteMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := d.dm.DeleteMessage(ctx, req.MessageID, c.userID); err != nil {
		return nil, err
	}
	return req, nil
}

// --- 语音房间 ---

// joinVoiceRoom 只订阅频道；参与关系必须已经通过 REST 建立，这里重新校验
func (d *Dispatcher) joinVoiceRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if _, err := d.voice.ActiveParticipation(ctx, req.RoomID, c.userID); err != nil {
		return nil, err
	}
	d.hub.Join(c, service.VoiceRoomKey(req.RoomID))
	return d.voice.GetRoom(ctx, req.RoomID)
}

// leaveVoiceRoom 离开房间并取消订阅。已经不在房间内时只取消订阅。
func (d *Dispatcher) leaveVoiceRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d.hub.Leave(c, service.VoiceRoomKey(req.RoomID))
	res, err := d.voice.Leave(ctx, req.RoomID, c.userID)
	if err != nil {
		if errors.Is(err, service.ErrParticipantNotFound) || errors.Is(err, service.ErrRoomClosed) {
			return req, nil
		}
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) joinLobby(_ context.Context, c *Client, _ json.RawMessage) (interface{}, error) {
	d.hub.Join(c, service.VoiceLobbyKey)
	return nil, nil
}

func (d *Dispatcher) leaveLobby(_ context.Context, c *Client, _ json.RawMessage) (interface{}, error) {
	d.hub.Leave(c, service.VoiceLobbyKey)
	return nil, nil
}

func (d *Dispatcher) requestStage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return d.voice.RequestStage(ctx, req.RoomID, c.userID)
}

func (d *Dispatcher) cancelStage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return req, d.voice.CancelStageRequest(ctx, req.RoomID, c.userID)
}

func (d *Dispatcher) grantStage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomTarget
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	res, err := d.voice.PromoteToSpeaker(ctx, req.RoomID, c.userID, req.UserID)
	if err != nil {
		return nil, err
	}
	// 凭证只发给被提升的用户
	res.Credential = nil
	return res, nil
}

func (d *Dispatcher) removeFromStage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomTarget
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	res, err := d.voice.DemoteToListener(ctx, req.RoomID, c.userID, req.UserID)
	if err != nil {
		return nil, err
	}
	res.Credential = nil
	return res, nil
}

func (d *Dispatcher) leaveStage(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.RoomRef
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return d.voice.LeaveStage(ctx, req.RoomID, c.userID)
}

func (d *Dispatcher) setMute(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.SetMuteRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return req, d.voice.SetMuted(ctx, req.RoomID, c.userID, req.Muted)
}

func (d *Dispatcher) sendChat(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.ChatRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return d.voice.SendChat(ctx, req.RoomID, c.userID, req.Content)
}

// --- 中继事件，不落库 ---

// relay 订阅之外还要求用户仍在房间内，已离开的连接顺带取消订阅
func (d *Dispatcher) relay(ctx context.Context, c *Client, roomID uint, event string, payload interface{}) error {
	key := service.VoiceRoomKey(roomID)
	if !d.hub.IsSubscribed(c, key) {
		return service.ErrNotParticipant
	}
	if _, err := d.voice.ActiveParticipation(ctx, roomID, c.userID); err != nil {
		d.hub.Leave(c, key)
		return err
	}
	d.hub.BroadcastExcept(key, event, dto.RelayPayload{RoomID: roomID, UserID: c.userID, Data: payload}, c)
	return nil
}

func (d *Dispatcher) relayPosition(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.PositionRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := service.ValidatePosition(req.X, req.Y); err != nil {
		return nil, err
	}
	return nil, d.relay(ctx, c, req.RoomID, dto.EventCharacterPosition, req)
}

func (d *Dispatcher) relayReaction(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.ReactionRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := service.ValidateReaction(req.Reaction); err != nil {
		return nil, err
	}
	return nil, d.relay(ctx, c, req.RoomID, dto.EventReaction, req)
}

func (d *Dispatcher) relayGesture(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req dto.GestureRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := service.ValidateGesture(req.Gesture); err != nil {
		return nil, err
	}
	return nil, d.relay(ctx, c, req.RoomID, dto.EventGesture, req)
}

func (d *Dispatcher) heartbeat(ctx context.Context, c *Client, _ json.RawMessage) (interface{}, error) {
	d.presence.Heartbeat(ctx, c.userID)
	return map[string]int{"ttl_seconds": int(d.presence.TTL().Seconds())}, nil
}
