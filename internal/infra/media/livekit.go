// Package media 封装 LiveKit 媒体中继：签发加入凭证、同步参与者权限、删除中继房间。
package media

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
)

// Config LiveKit 连接参数
type Config struct {
	URL       string        // 客户端与 RoomService 使用的地址，为空时不调用 RoomService
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Identity 返回用户在中继上的身份标识
func Identity(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

// LiveKitRelay 实现凭证签发与权限同步
type LiveKitRelay struct {
	cfg    Config
	rooms  *lksdk.RoomServiceClient
	logger *logrus.Entry
}

// NewLiveKitRelay 创建 LiveKitRelay。APIKey/APISecret 为空时返回错误，签发凭证必须有密钥。
func NewLiveKitRelay(cfg Config, log *logrus.Logger) (*LiveKitRelay, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit api key and secret must be set")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 6 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	relay := &LiveKitRelay{
		cfg:    cfg,
		logger: log.WithField("component", "livekit"),
	}
	if cfg.URL != "" {
		relay.rooms = lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	}
	return relay, nil
}

// IssueCredential 按角色权限签发加入指定中继房间的令牌
func (r *LiveKitRelay) IssueCredential(roomName string, user domain.UserSummary, role domain.ParticipantRole) (*domain.MediaCredential, error) {
	perm := role.Permission()
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	grant.SetCanPublish(perm.CanPublish)
	grant.SetCanSubscribe(perm.CanSubscribe)
	grant.SetCanPublishData(perm.CanPublishData)

	identity := Identity(user.ID)
	at := auth.NewAccessToken(r.cfg.APIKey, r.cfg.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(user.DisplayName).
		SetValidFor(r.cfg.TokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign livekit token for %s in %s: %w", identity, roomName, err)
	}
	return &domain.MediaCredential{
		Token:     token,
		URL:       r.cfg.URL,
		RoomName:  roomName,
		Identity:  identity,
		Role:      role,
		ExpiresAt: time.Now().UTC().Add(r.cfg.TokenTTL),
	}, nil
}

// UpdatePermission 将参与者在中继上的权限改为 perm。未配置 URL 时跳过。
func (r *LiveKitRelay) UpdatePermission(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error {
	if r.rooms == nil {
		r.logger.WithFields(logrus.Fields{"room": roomName, "user_id": userID}).Debug("RoomService not configured, skipping permission sync")
		return nil
	}
	_, err := r.rooms.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
		Room:     roomName,
		Identity: Identity(userID),
		Permission: &livekit.ParticipantPermission{
			CanPublish:     perm.CanPublish,
			CanSubscribe:   perm.CanSubscribe,
			CanPublishData: perm.CanPublishData,
		},
	})
	if err != nil {
		return fmt.Errorf("livekit update participant %d in %s: %w", userID, roomName, err)
	}
	return nil
}

// DeleteRoom 删除中继房间，断开所有仍连接的客户端
func (r *LiveKitRelay) DeleteRoom(ctx context.Context, roomName string) error {
	if r.rooms == nil {
		r.logger.WithField("room", roomName).Debug("RoomService not configured, skipping room delete")
		return nil
	}
	if _, err := r.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName}); err != nil {
		return fmt.Errorf("livekit delete room %s: %w", roomName, err)
	}
	return nil
}
