package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/tasks"
)

// WorkerServer 消费中继同步任务。只有配置了媒体中继时才会创建。
type WorkerServer struct {
	server  *asynq.Server
	log     *logrus.Entry
	handler *RelayHandler
}

// NewWorkerServer 创建 WorkerServer，concurrency <= 0 时使用 10
func NewWorkerServer(redisOpt asynq.RedisClientOpt, relay RelayClient, participants ParticipantSource, concurrency int, logger *logrus.Logger) *WorkerServer {
	if concurrency <= 0 {
		concurrency = 10
	}
	ws := &WorkerServer{
		log:     logger.WithField("component", "relay_worker"),
		handler: NewRelayHandler(relay, participants),
	}
	ws.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:  concurrency,
		Queues:       tasks.QueuePriorities,
		ErrorHandler: asynq.ErrorHandlerFunc(ws.reportFailure),
		Logger:       ws.log,
	})
	return ws
}

// reportFailure 记录每一次失败，重试耗尽后中继与数据库状态可能不一致
func (ws *WorkerServer) reportFailure(ctx context.Context, task *asynq.Task, err error) {
	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	entry := taskLogger(ctx, task).WithError(err)
	if retry >= maxRetry || errors.Is(err, asynq.SkipRetry) {
		entry.Error("Relay task dropped, relay state may diverge")
		return
	}
	entry.Warn("Relay task failed, will retry")
}

// Mux 注册中继任务处理器
func (ws *WorkerServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRelayPermissionSync, ws.handler.ProcessPermissionSync)
	mux.HandleFunc(tasks.TypeRelayRoomClose, ws.handler.ProcessRoomClose)
	return mux
}

// Start 阻塞运行，应在单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	ws.log.WithField("queues", tasks.QueuePriorities).Info("Relay worker starting")
	if err := ws.server.Run(ws.Mux()); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		ws.log.WithError(err).Error("Relay worker stopped unexpectedly")
	}
}

// Shutdown 等待进行中的任务完成后退出
func (ws *WorkerServer) Shutdown() {
	ws.server.Shutdown()
	ws.log.Info("Relay worker shut down")
}
