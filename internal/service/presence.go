package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"lingo-social/internal/dto"
	"lingo-social/internal/repository"
)

// DefaultPresenceTTL 在线标记的默认有效期，心跳会不断续期
const DefaultPresenceTTL = 300 * time.Second

// PresenceService 维护在线状态并通知会话对方。
// 存储不可用时只影响在线指示，所有错误都只记录日志。
type PresenceService struct {
	store       repository.PresenceRepository
	convRepo    repository.ConversationRepository
	broadcaster Broadcaster
	ttl         time.Duration
}

// NewPresenceService 创建 PresenceService。store 为 nil 时在线状态功能被禁用。
func NewPresenceService(store repository.PresenceRepository, convRepo repository.ConversationRepository, broadcaster Broadcaster, ttl time.Duration) *PresenceService {
	if convRepo == nil {
		panic("ConversationRepository cannot be nil for PresenceService")
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceService{store: store, convRepo: convRepo, broadcaster: broadcaster, ttl: ttl}
}

// TTL 返回在线标记的有效期
func (s *PresenceService) TTL() time.Duration { return s.ttl }

// Connected 用户的第一个连接建立时调用
func (s *PresenceService) Connected(ctx context.Context, userID uint) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "operation": "presence_connected"})
	if s.store != nil {
		if err := s.store.SetOnline(ctx, userID, s.ttl); err != nil {
			logCtx.WithError(err).Warn("Failed to mark user online")
		}
	}
	s.notifyPartners(ctx, userID, dto.EventUserOnline)
}

// Heartbeat 续期在线标记
func (s *PresenceService) Heartbeat(ctx context.Context, userID uint) {
	if s.store == nil {
		return
	}
	if err := s.store.Refresh(ctx, userID, s.ttl); err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("Failed to refresh presence")
	}
}

// Disconnected 用户的最后一个连接断开时调用
func (s *PresenceService) Disconnected(ctx context.Context, userID uint) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "operation": "presence_disconnected"})
	if s.store != nil {
		if err := s.store.SetOffline(ctx, userID); err != nil {
			logCtx.WithError(err).Warn("Failed to mark user offline")
		}
	}
	s.notifyPartners(ctx, userID, dto.EventUserOffline)
}

// IsOnline 存储不可用时返回 false
func (s *PresenceService) IsOnline(ctx context.Context, userID uint) bool {
	if s.store == nil {
		return false
	}
	online, err := s.store.IsOnline(ctx, userID)
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("Failed to read presence")
		return false
	}
	return online
}

// OnlineSet 批量查询，存储不可用时返回空结果
func (s *PresenceService) OnlineSet(ctx context.Context, userIDs []uint) map[uint]bool {
	if s.store == nil || len(userIDs) == 0 {
		return map[uint]bool{}
	}
	set, err := s.store.OnlineSet(ctx, userIDs)
	if err != nil {
		logrus.WithField("user_count", len(userIDs)).WithError(err).Warn("Failed to read presence set")
		return map[uint]bool{}
	}
	return set
}

// notifyPartners 向所有会话对方的个人频道推送上线/下线事件
func (s *PresenceService) notifyPartners(ctx context.Context, userID uint, event string) {
	partners, err := s.convRepo.PartnerIDs(ctx, userID)
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("Failed to load conversation partners for presence")
		return
	}
	payload := dto.PresencePayload{UserID: userID}
	for _, partnerID := range partners {
		s.broadcaster.NotifyUser(partnerID, event, payload)
	}
}
