package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
	"lingo-social/internal/dto"
	"lingo-social/internal/repository"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// clampLimit 分页大小限制在 [1, maxPageSize]，0 使用默认值
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// SendMessageInput 发送私信的参数
type SendMessageInput struct {
	ConversationID uint
	SenderID       uint
	Type           domain.MessageType
	Content        string
	MediaURL       string
	ClientToken    string
}

// SendResult 发送结果。Duplicate 为 true 表示命中了幂等令牌，返回的是已有消息。
type SendResult struct {
	Message   *domain.MessageView `json:"message"`
	Duplicate bool                `json:"duplicate"`
}

// DMService 私信：会话、消息、已读回执与打字状态。
type DMService struct {
	convRepo    repository.ConversationRepository
	userRepo    repository.UserRepository
	social      *SocialService
	presence    *PresenceService
	broadcaster Broadcaster

	// 同一会话的提交与广播串行化，保证广播顺序与提交顺序一致
	convLocks *keyedMutex
}

// NewDMService 创建 DMService 实例。presence 可以为 nil。
func NewDMService(convRepo repository.ConversationRepository, userRepo repository.UserRepository, social *SocialService, presence *PresenceService, broadcaster Broadcaster) *DMService {
	if convRepo == nil {
		panic("ConversationRepository cannot be nil for DMService")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for DMService")
	}
	if social == nil {
		panic("SocialService cannot be nil for DMService")
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	return &DMService{
		convRepo:    convRepo,
		userRepo:    userRepo,
		social:      social,
		presence:    presence,
		broadcaster: broadcaster,
		convLocks:   newKeyedMutex(),
	}
}

// FindOrCreateConversation 查找或创建两个用户之间的会话，与参数顺序无关
func (s *DMService) FindOrCreateConversation(ctx context.Context, userID, peerID uint) (*domain.Conversation, error) {
	if userID == peerID {
		return nil, ErrSelfConversation
	}
	if _, err := s.userRepo.FindByID(ctx, peerID); err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}
	if err := s.social.ensureNotBlocked(ctx, userID, peerID); err != nil {
		return nil, err
	}
	conv, err := s.convRepo.FindOrCreate(ctx, userID, peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "peer_id": peerID}).WithError(err).Error("Failed to find or create conversation")
		return nil, mapRepoError(err, nil)
	}
	return conv, nil
}

// AuthorizeConversation 校验用户是会话参与者，用于订阅会话频道前的重新校验
func (s *DMService) AuthorizeConversation(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error) {
	conv, err := s.convRepo.FindByID(ctx, conversationID)
	if err != nil {
		return nil, mapRepoError(err, ErrConversationNotFound)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// AuthorizeInteraction 在 AuthorizeConversation 之外重新检查双方的屏蔽关系，用于打字状态等不落库的事件
func (s *DMService) AuthorizeInteraction(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error) {
	conv, err := s.AuthorizeConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	peerID, err := conv.PeerOf(userID)
	if err != nil {
		return nil, ErrNotParticipant
	}
	if err := s.social.ensureNotBlocked(ctx, userID, peerID); err != nil {
		return nil, err
	}
	return conv, nil
}

// SendMessage 持久化一条私信并在提交后广播
func (s *DMService) SendMessage(ctx context.Context, in SendMessageInput) (*SendResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{
		"conversation_id": in.ConversationID,
		"sender_id":       in.SenderID,
		"operation":       "SendMessage",
	})

	if in.Type == "" {
		in.Type = domain.MessageText
	}
	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        strings.TrimSpace(in.Content),
		MediaURL:       in.MediaURL,
	}
	if in.ClientToken != "" {
		token := in.ClientToken
		msg.ClientToken = &token
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	conv, err := s.AuthorizeConversation(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	peerID, _ := conv.PeerOf(in.SenderID)
	if err := s.social.ensureNotBlocked(ctx, in.SenderID, peerID); err != nil {
		return nil, err
	}
	sender, err := s.userRepo.FindByID(ctx, in.SenderID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}

	unlock := s.convLocks.Lock(conv.ID)
	defer unlock()

	if msg.ClientToken != nil {
		existing, err := s.convRepo.FindMessageByToken(ctx, conv.ID, *msg.ClientToken)
		if err == nil {
			logCtx.WithField("message_id", existing.ID).Debug("Idempotency token matched existing message")
			return &SendResult{Message: &domain.MessageView{Message: *existing, Sender: sender.Summary()}, Duplicate: true}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, mapRepoError(err, nil)
		}
	}

	if err := s.convRepo.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) && msg.ClientToken != nil {
			// 其他实例并发写入了同一令牌
			existing, findErr := s.convRepo.FindMessageByToken(ctx, conv.ID, *msg.ClientToken)
			if findErr != nil {
				return nil, mapRepoError(findErr, nil)
			}
			return &SendResult{Message: &domain.MessageView{Message: *existing, Sender: sender.Summary()}, Duplicate: true}, nil
		}
		logCtx.WithError(err).Error("Failed to persist message")
		return nil, mapRepoError(err, nil)
	}

	view := &domain.MessageView{Message: *msg, Sender: sender.Summary()}
	s.broadcaster.Broadcast(ConversationKey(conv.ID), dto.EventNewMessage, view)

	update := dto.ConversationUpdatedPayload{
		ConversationID:     conv.ID,
		LastMessageID:      msg.ID,
		LastMessagePreview: msg.Preview(),
		LastMessageAt:      &msg.CreatedAt,
		SenderID:           in.SenderID,
	}
	if unread, err := s.convRepo.UnreadCount(ctx, conv.ID, peerID); err == nil {
		update.UnreadCount = unread
	} else {
		logCtx.WithError(err).Warn("Failed to count unread messages for recipient")
	}
	s.broadcaster.NotifyUser(peerID, dto.EventConversationUpdated, update)

	logCtx.WithField("message_id", msg.ID).Info("Message sent")
	return &SendResult{Message: view}, nil
}

// SendDirect 向用户发送私信，必要时先创建会话
func (s *DMService) SendDirect(ctx context.Context, recipientID uint, in SendMessageInput) (*SendResult, error) {
	conv, err := s.FindOrCreateConversation(ctx, in.SenderID, recipientID)
	if err != nil {
		return nil, err
	}
	in.ConversationID = conv.ID
	return s.SendMessage(ctx, in)
}

// MarkRead 推进已读水位；只有水位实际前进时才广播
func (s *DMService) MarkRead(ctx context.Context, conversationID, userID, messageID uint) (uint, error) {
	if messageID == 0 {
		return 0, fmt.Errorf("%w: message_id is required", ErrInvalidMessage)
	}
	conv, err := s.AuthorizeConversation(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	msg, err := s.convRepo.FindMessageByID(ctx, messageID)
	if err != nil {
		return 0, mapRepoError(err, ErrMessageNotFound)
	}
	if msg.ConversationID != conv.ID {
		return 0, ErrMessageNotFound
	}

	watermark, advanced, err := s.convRepo.AdvanceReadReceipt(ctx, conv.ID, userID, messageID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"conversation_id": conv.ID, "user_id": userID}).WithError(err).Error("Failed to advance read receipt")
		return 0, mapRepoError(err, nil)
	}
	if advanced {
		s.broadcaster.Broadcast(ConversationKey(conv.ID), dto.EventReadReceipt, dto.ReadReceiptPayload{
			ConversationID:    conv.ID,
			UserID:            userID,
			LastReadMessageID: watermark,
		})
	}
	return watermark, nil
}

// DeleteMessage 发送者软删除自己的消息
func (s *DMService) DeleteMessage(ctx context.Context, messageID, userID uint) error {
	msg, err := s.convRepo.FindMessageByID(ctx, messageID)
	if err != nil {
		return mapRepoError(err, ErrMessageNotFound)
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if msg.IsDeleted {
		return ErrMessageNotFound
	}

	unlock := s.convLocks.Lock(msg.ConversationID)
	defer unlock()

	if err := s.convRepo.SoftDeleteMessage(ctx, msg, timeNow()); err != nil {
		return mapRepoError(err, ErrMessageNotFound)
	}
	s.broadcaster.Broadcast(ConversationKey(msg.ConversationID), dto.EventMessageDeleted, dto.MessageDeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
	logrus.WithFields(logrus.Fields{"message_id": msg.ID, "user_id": userID}).Info("Message deleted")
	return nil
}

// ListMessages 按 ID 倒序返回 cursor 之前的消息，cursor 为 0 表示从最新开始
func (s *DMService) ListMessages(ctx context.Context, conversationID, userID, cursor uint, limit int) ([]domain.MessageView, error) {
	if _, err := s.AuthorizeConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.convRepo.ListMessages(ctx, conversationID, cursor, clampLimit(limit))
	if err != nil {
		return nil, mapRepoError(err, nil)
	}

	senderIDs := make([]uint, 0, 2)
	seen := make(map[uint]bool, 2)
	for _, m := range msgs {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			senderIDs = append(senderIDs, m.SenderID)
		}
	}
	users, err := s.userRepo.FindByIDs(ctx, senderIDs)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}

	views := make([]domain.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, domain.MessageView{Message: m, Sender: users[m.SenderID].Summary()})
	}
	return views, nil
}

// ListConversations 按最后消息时间倒序列出会话，附带对方信息、在线状态与未读数
func (s *DMService) ListConversations(ctx context.Context, userID uint, offset, limit int) ([]domain.ConversationView, error) {
	if offset < 0 {
		offset = 0
	}
	convs, err := s.convRepo.ListForUser(ctx, userID, offset, clampLimit(limit))
	if err != nil {
		return nil, mapRepoError(err, nil)
	}

	peerIDs := make([]uint, 0, len(convs))
	for i := range convs {
		peerID, _ := convs[i].PeerOf(userID)
		peerIDs = append(peerIDs, peerID)
	}
	users, err := s.userRepo.FindByIDs(ctx, peerIDs)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	online := map[uint]bool{}
	if s.presence != nil {
		online = s.presence.OnlineSet(ctx, peerIDs)
	}

	views := make([]domain.ConversationView, 0, len(convs))
	for i, conv := range convs {
		unread, err := s.convRepo.UnreadCount(ctx, conv.ID, userID)
		if err != nil {
			return nil, mapRepoError(err, nil)
		}
		views = append(views, domain.ConversationView{
			Conversation: conv,
			Peer:         users[peerIDs[i]].Summary(),
			PeerOnline:   online[peerIDs[i]],
			UnreadCount:  unread,
		})
	}
	return views, nil
}

// UnreadCount 返回用户在所有未屏蔽会话中的未读总数
func (s *DMService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	total, err := s.convRepo.TotalUnread(ctx, userID)
	if err != nil {
		return 0, mapRepoError(err, nil)
	}
	return total, nil
}
