package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
	"lingo-social/internal/tasks"
)

// RelayClient 媒体中继的服务端 API，由 media.LiveKitRelay 实现
type RelayClient interface {
	UpdatePermission(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error
	DeleteRoom(ctx context.Context, roomName string) error
}

// ParticipantSource 读取参与者的当前角色，由 voice room 仓库实现
type ParticipantSource interface {
	FindActiveParticipantByRelayRoom(ctx context.Context, relayRoomName string, userID uint) (*domain.VoiceRoomParticipant, error)
}

// RelayHandler 处理中继同步任务。失败时返回错误交给 asynq 重试。
type RelayHandler struct {
	relay        RelayClient
	participants ParticipantSource
}

// NewRelayHandler 创建 Handler 实例
func NewRelayHandler(relay RelayClient, participants ParticipantSource) *RelayHandler {
	if relay == nil {
		panic("RelayClient cannot be nil for RelayHandler")
	}
	if participants == nil {
		panic("ParticipantSource cannot be nil for RelayHandler")
	}
	return &RelayHandler{relay: relay, participants: participants}
}

// ProcessPermissionSync 处理 tasks.TypeRelayPermissionSync
func (h *RelayHandler) ProcessPermissionSync(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.PermissionSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"relay_room": payload.RoomName, "user_id": payload.UserID})

	// 任务可能乱序或在后续变更之后重试，以数据库中的当前角色为准
	perm, err := h.currentPermission(ctx, payload.RoomName, payload.UserID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to load current participant role")
		return fmt.Errorf("load role of user %d in %s: %w", payload.UserID, payload.RoomName, err)
	}
	if perm != payload.Permission {
		logCtx.WithFields(logrus.Fields{"queued": payload.Permission, "current": perm}).Info("Permission task is stale, applying current role")
	}

	if err := h.relay.UpdatePermission(ctx, payload.RoomName, payload.UserID, perm); err != nil {
		logCtx.WithError(err).Warn("Relay permission sync failed")
		return fmt.Errorf("update permission for user %d in %s: %w", payload.UserID, payload.RoomName, err)
	}
	logCtx.Debug("Relay permission synced")
	return nil
}

// ProcessRoomClose 处理 tasks.TypeRelayRoomClose
func (h *RelayHandler) ProcessRoomClose(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomClosePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.relay.DeleteRoom(ctx, payload.RoomName); err != nil {
		logCtx.WithField("relay_room", payload.RoomName).WithError(err).Warn("Relay room delete failed")
		return fmt.Errorf("delete relay room %s: %w", payload.RoomName, err)
	}
	logCtx.WithField("relay_room", payload.RoomName).Info("Relay room deleted")
	return nil
}

// currentPermission 已离开或房间已关闭时返回空权限
func (h *RelayHandler) currentPermission(ctx context.Context, roomName string, userID uint) (domain.MediaPermission, error) {
	p, err := h.participants.FindActiveParticipantByRelayRoom(ctx, roomName, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.MediaPermission{}, nil
		}
		return domain.MediaPermission{}, err
	}
	return p.Role.Permission(), nil
}

func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"queue":     queue,
		"retry":     retry,
		"max_retry": maxRetry,
	})
}
