package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
)

// 任务类型常量
const (
	TypeRelayPermissionSync = "relay:permission_sync" // 同步参与者在媒体中继上的发布权限
	TypeRelayRoomClose      = "relay:room_close"      // 房间关闭后删除中继房间
)

const (
	relayQueue    = "critical"
	relayMaxRetry = 5
	relayTimeout  = 15 * time.Second
)

// QueuePriorities asynq 队列权重，worker 按此配置消费
var QueuePriorities = map[string]int{
	relayQueue: 6,
	"default":  3,
}

// PermissionSyncPayload 权限同步任务的数据
type PermissionSyncPayload struct {
	RoomName   string                 `json:"room_name"`
	UserID     uint                   `json:"user_id"`
	Permission domain.MediaPermission `json:"permission"`
}

// RoomClosePayload 删除中继房间任务的数据
type RoomClosePayload struct {
	RoomName string `json:"room_name"`
}

// NewPermissionSyncTask 创建权限同步任务
func NewPermissionSyncTask(roomName string, userID uint, perm domain.MediaPermission) (*asynq.Task, error) {
	payload, err := json.Marshal(PermissionSyncPayload{RoomName: roomName, UserID: userID, Permission: perm})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRelayPermissionSync, payload), nil
}

// NewRoomCloseTask 创建删除中继房间任务
func NewRoomCloseTask(roomName string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomClosePayload{RoomName: roomName})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRelayRoomClose, payload), nil
}

// Enqueuer 是 asynq.Client 中用到的部分，测试中可替换
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RelayDispatcher 把中继同步放入 asynq 队列，实现 service.RelaySyncQueue
type RelayDispatcher struct {
	client Enqueuer
}

// NewRelayDispatcher 创建 RelayDispatcher
func NewRelayDispatcher(client Enqueuer) *RelayDispatcher {
	if client == nil {
		panic("asynq client cannot be nil for RelayDispatcher")
	}
	return &RelayDispatcher{client: client}
}

// EnqueuePermissionSync 入队权限同步
func (d *RelayDispatcher) EnqueuePermissionSync(ctx context.Context, roomName string, userID uint, perm domain.MediaPermission) error {
	task, err := NewPermissionSyncTask(roomName, userID, perm)
	if err != nil {
		return fmt.Errorf("build permission sync task: %w", err)
	}
	return d.enqueue(ctx, task)
}

// EnqueueRoomClose 入队删除中继房间
func (d *RelayDispatcher) EnqueueRoomClose(ctx context.Context, roomName string) error {
	task, err := NewRoomCloseTask(roomName)
	if err != nil {
		return fmt.Errorf("build room close task: %w", err)
	}
	return d.enqueue(ctx, task)
}

func (d *RelayDispatcher) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(relayQueue),
		asynq.MaxRetry(relayMaxRetry),
		asynq.Timeout(relayTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "task_type": task.Type(), "queue": info.Queue}).Debug("Relay task enqueued")
	return nil
}
