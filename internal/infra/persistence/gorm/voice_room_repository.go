package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
)

// GormVoiceRoomRepository 是 VoiceRoomRepository 接口的 GORM 实现
type GormVoiceRoomRepository struct {
	db *gorm.DB
}

// NewGormVoiceRoomRepository 创建 GormVoiceRoomRepository 实例
func NewGormVoiceRoomRepository(db *gorm.DB) *GormVoiceRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormVoiceRoomRepository")
	}
	return &GormVoiceRoomRepository{db: db}
}

var _ repository.VoiceRoomRepository = (*GormVoiceRoomRepository)(nil)

// Transaction 在事务中执行 fn，fn 内必须使用传入的 tx 仓库
func (r *GormVoiceRoomRepository) Transaction(ctx context.Context, fn func(tx repository.VoiceRoomRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormVoiceRoomRepository{db: tx})
	})
}

// LockRoom 读取房间并加行锁 (sqlite 下没有行锁，依赖单写连接)
func (r *GormVoiceRoomRepository) LockRoom(ctx context.Context, roomID uint) (*domain.VoiceRoom, error) {
	var room domain.VoiceRoom
	err := forUpdate(r.db.WithContext(ctx)).First(&room, roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: lock voice room %d: %w", roomID, err)
	}
	return &room, nil
}

func (r *GormVoiceRoomRepository) FindByID(ctx context.Context, roomID uint) (*domain.VoiceRoom, error) {
	var room domain.VoiceRoom
	err := r.db.WithContext(ctx).First(&room, roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find voice room %d: %w", roomID, err)
	}
	return &room, nil
}

func (r *GormVoiceRoomRepository) CreateRoom(ctx context.Context, room *domain.VoiceRoom) error {
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create voice room %q: %w", room.Title, err)
	}
	return nil
}

// ListActive 按创建时间倒序列出活跃房间
func (r *GormVoiceRoomRepository) ListActive(ctx context.Context, offset, limit int) ([]domain.VoiceRoom, error) {
	var rooms []domain.VoiceRoom
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.RoomActive).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list active voice rooms: %w", err)
	}
	return rooms, nil
}

// AdjustCounters 单条条件 UPDATE，计数器永不为负，requireSeat 时不超过 max_speakers
func (r *GormVoiceRoomRepository) AdjustCounters(ctx context.Context, roomID uint, speakerDelta, listenerDelta int, requireSeat bool) error {
	query := r.db.WithContext(ctx).Model(&domain.VoiceRoom{}).
		Where("id = ? AND status = ?", roomID, domain.RoomActive).
		Where("speaker_count + ? >= 0 AND listener_count + ? >= 0", speakerDelta, listenerDelta)
	if requireSeat {
		query = query.Where("speaker_count < max_speakers")
	}
	res := query.Updates(map[string]interface{}{
		"speaker_count":  gorm.Expr("speaker_count + ?", speakerDelta),
		"listener_count": gorm.Expr("listener_count + ?", listenerDelta),
	})
	if res.Error != nil {
		return fmt.Errorf("gorm: adjust counters of voice room %d: %w", roomID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

// MarkClosed active -> closed，重复关闭返回 ErrConditionFailed
func (r *GormVoiceRoomRepository) MarkClosed(ctx context.Context, roomID uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.VoiceRoom{}).
		Where("id = ? AND status = ?", roomID, domain.RoomActive).
		Updates(map[string]interface{}{
			"status":         domain.RoomClosed,
			"closed_at":      at,
			"speaker_count":  0,
			"listener_count": 0,
		})
	if res.Error != nil {
		return fmt.Errorf("gorm: close voice room %d: %w", roomID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

func (r *GormVoiceRoomRepository) FindActiveParticipant(ctx context.Context, roomID, userID uint) (*domain.VoiceRoomParticipant, error) {
	var p domain.VoiceRoomParticipant
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("gorm: find participant %d in voice room %d: %w", userID, roomID, err)
	}
	return &p, nil
}

func (r *GormVoiceRoomRepository) FindActiveParticipantByRelayRoom(ctx context.Context, relayRoomName string, userID uint) (*domain.VoiceRoomParticipant, error) {
	var p domain.VoiceRoomParticipant
	err := r.db.WithContext(ctx).
		Select("voice_room_participants.*").
		Joins("JOIN voice_rooms ON voice_rooms.id = voice_room_participants.room_id").
		Where("voice_rooms.relay_room_name = ? AND voice_rooms.status = ?", relayRoomName, domain.RoomActive).
		Where("voice_room_participants.user_id = ? AND voice_room_participants.left_at IS NULL", userID).
		Order("voice_room_participants.id DESC").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("gorm: find participant %d in relay room %s: %w", userID, relayRoomName, err)
	}
	return &p, nil
}

func (r *GormVoiceRoomRepository) ListActiveParticipants(ctx context.Context, roomID uint) ([]domain.VoiceRoomParticipant, error) {
	var ps []domain.VoiceRoomParticipant
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("joined_at ASC").
		Order("id ASC").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list participants of voice room %d: %w", roomID, err)
	}
	return ps, nil
}

func (r *GormVoiceRoomRepository) ActiveRoomIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&domain.VoiceRoomParticipant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Distinct().
		Pluck("room_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list active voice rooms of user %d: %w", userID, err)
	}
	return ids, nil
}

func (r *GormVoiceRoomRepository) CreateParticipant(ctx context.Context, p *domain.VoiceRoomParticipant) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("gorm: create participant %d in voice room %d: %w", p.UserID, p.RoomID, err)
	}
	return nil
}

func (r *GormVoiceRoomRepository) UpdateParticipantRole(ctx context.Context, participantID uint, from, to domain.ParticipantRole) error {
	res := r.db.WithContext(ctx).Model(&domain.VoiceRoomParticipant{}).
		Where("id = ? AND role = ? AND left_at IS NULL", participantID, from).
		Update("role", to)
	if res.Error != nil {
		return fmt.Errorf("gorm: update role of participant %d: %w", participantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

func (r *GormVoiceRoomRepository) UpdateParticipantMute(ctx context.Context, participantID uint, muted bool) error {
	return r.updateParticipant(ctx, participantID, "is_muted", muted)
}

func (r *GormVoiceRoomRepository) MarkParticipantLeft(ctx context.Context, participantID uint, at time.Time) error {
	return r.updateParticipant(ctx, participantID, "left_at", at)
}

// updateParticipant 只更新仍在房间内的参与记录
func (r *GormVoiceRoomRepository) updateParticipant(ctx context.Context, participantID uint, column string, value interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.VoiceRoomParticipant{}).
		Where("id = ? AND left_at IS NULL", participantID).
		Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("gorm: update %s of participant %d: %w", column, participantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrParticipantNotFound
	}
	return nil
}

func (r *GormVoiceRoomRepository) MarkAllParticipantsLeft(ctx context.Context, roomID uint, at time.Time) ([]uint, error) {
	var userIDs []uint
	db := r.db.WithContext(ctx)
	if err := db.Model(&domain.VoiceRoomParticipant{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("gorm: list participants of voice room %d: %w", roomID, err)
	}
	if len(userIDs) == 0 {
		return userIDs, nil
	}
	if err := db.Model(&domain.VoiceRoomParticipant{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Update("left_at", at).Error; err != nil {
		return nil, fmt.Errorf("gorm: evict participants of voice room %d: %w", roomID, err)
	}
	return userIDs, nil
}

func (r *GormVoiceRoomRepository) FindStageRequest(ctx context.Context, roomID, userID uint) (*domain.StageRequest, error) {
	var req domain.StageRequest
	err := r.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("gorm: find stage request of %d in voice room %d: %w", userID, roomID, err)
	}
	return &req, nil
}

// UpsertStageRequest 每个 (room, user) 只保留一行，重复申请会覆盖状态
func (r *GormVoiceRoomRepository) UpsertStageRequest(ctx context.Context, roomID, userID uint, status domain.StageRequestStatus) (*domain.StageRequest, error) {
	db := r.db.WithContext(ctx)
	req := domain.StageRequest{RoomID: roomID, UserID: userID, Status: status}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&req).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: upsert stage request of %d in voice room %d: %w", userID, roomID, err)
	}
	return r.FindStageRequest(ctx, roomID, userID)
}

func (r *GormVoiceRoomRepository) ResolveStageRequest(ctx context.Context, roomID, userID uint, status domain.StageRequestStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.StageRequest{}).
		Where("room_id = ? AND user_id = ? AND status = ?", roomID, userID, domain.StagePending).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("gorm: resolve stage request of %d in voice room %d: %w", userID, roomID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormVoiceRoomRepository) CancelPendingStageRequests(ctx context.Context, roomID uint) error {
	err := r.db.WithContext(ctx).Model(&domain.StageRequest{}).
		Where("room_id = ? AND status = ?", roomID, domain.StagePending).
		Update("status", domain.StageCancelled).Error
	if err != nil {
		return fmt.Errorf("gorm: cancel stage requests of voice room %d: %w", roomID, err)
	}
	return nil
}

func (r *GormVoiceRoomRepository) ListPendingStageRequests(ctx context.Context, roomID uint) ([]domain.StageRequest, error) {
	var reqs []domain.StageRequest
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, domain.StagePending).
		Order("updated_at ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list stage requests of voice room %d: %w", roomID, err)
	}
	return reqs, nil
}

func (r *GormVoiceRoomRepository) CreateChatMessage(ctx context.Context, msg *domain.VoiceRoomMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("gorm: create chat message in voice room %d: %w", msg.RoomID, err)
	}
	return nil
}

// ListChatMessages 返回最近 limit 条聊天消息，按时间正序
func (r *GormVoiceRoomRepository) ListChatMessages(ctx context.Context, roomID uint, limit int) ([]domain.VoiceRoomMessage, error) {
	var msgs []domain.VoiceRoomMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list chat messages of voice room %d: %w", roomID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *GormVoiceRoomRepository) DeleteChatMessages(ctx context.Context, roomID uint) error {
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&domain.VoiceRoomMessage{}).Error; err != nil {
		return fmt.Errorf("gorm: purge chat messages of voice room %d: %w", roomID, err)
	}
	return nil
}
