package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
	"lingo-social/internal/dto"
	"lingo-social/internal/repository"
)

const (
	maxReactionBytes = 16
	maxPositionAbs   = 10000
	relayRoomPrefix  = "voice-"
)

// allowedGestures 房间内允许中继的动作
var allowedGestures = map[string]bool{
	"wave":  true,
	"nod":   true,
	"clap":  true,
	"bow":   true,
	"dance": true,
	"think": true,
}

// CreateRoomInput 创建语音房间的参数
type CreateRoomInput struct {
	Title         string
	Topic         string
	LanguageLevel string
	MaxSpeakers   int
}

// ParticipationResult 一次加入或角色变化后的状态，Credential 是新签发的中继凭证
type ParticipationResult struct {
	Room        *domain.VoiceRoom            `json:"room"`
	Participant *domain.VoiceRoomParticipant `json:"participant"`
	Credential  *domain.MediaCredential      `json:"credential,omitempty"`
}

// LeaveResult 离开房间的结果
type LeaveResult struct {
	Room   *domain.VoiceRoom `json:"room"`
	Closed bool              `json:"closed"`
}

// VoiceService 语音房间的状态机。
// 同一房间的计数器变更在进程内按房间串行，并在事务中对房间行加锁；不同房间完全并行。
type VoiceService struct {
	roomRepo    repository.VoiceRoomRepository
	userRepo    repository.UserRepository
	social      *SocialService
	credentials CredentialIssuer
	relaySync   RelaySyncQueue
	broadcaster Broadcaster

	roomLocks *keyedMutex
}

// NewVoiceService 创建 VoiceService。credentials 与 relaySync 可以为 nil，此时跳过签发与同步。
func NewVoiceService(roomRepo repository.VoiceRoomRepository, userRepo repository.UserRepository, social *SocialService, credentials CredentialIssuer, relaySync RelaySyncQueue, broadcaster Broadcaster) *VoiceService {
	if roomRepo == nil {
		panic("VoiceRoomRepository cannot be nil for VoiceService")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for VoiceService")
	}
	if social == nil {
		panic("SocialService cannot be nil for VoiceService")
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	return &VoiceService{
		roomRepo:    roomRepo,
		userRepo:    userRepo,
		social:      social,
		credentials: credentials,
		relaySync:   relaySync,
		broadcaster: broadcaster,
		roomLocks:   newKeyedMutex(),
	}
}

// CreateRoom 创建房间并把创建者作为第一个发言者入座
func (s *VoiceService) CreateRoom(ctx context.Context, creatorID uint, in CreateRoomInput) (*ParticipationResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > domain.MaxRoomTitleLength {
		return nil, fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidRoom, domain.MaxRoomTitleLength)
	}
	maxSpeakers := in.MaxSpeakers
	if maxSpeakers == 0 {
		maxSpeakers = domain.MaxSpeakers
	}
	if maxSpeakers < domain.MinSpeakers || maxSpeakers > domain.MaxSpeakers {
		return nil, fmt.Errorf("%w: max_speakers must be between %d and %d", ErrInvalidRoom, domain.MinSpeakers, domain.MaxSpeakers)
	}
	creator, err := s.userRepo.FindByID(ctx, creatorID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}

	room := &domain.VoiceRoom{
		CreatorID:     creatorID,
		Title:         title,
		Topic:         strings.TrimSpace(in.Topic),
		LanguageLevel: strings.TrimSpace(in.LanguageLevel),
		MaxSpeakers:   maxSpeakers,
		RelayRoomName: relayRoomPrefix + uuid.NewString(),
		Status:        domain.RoomActive,
	}
	participant := &domain.VoiceRoomParticipant{
		UserID:   creatorID,
		Role:     domain.RoleSpeaker,
		JoinedAt: timeNow(),
	}
	err = s.roomRepo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		// 计数器从 0 开始，第一个座位总能通过容量检查
		if err := tx.AdjustCounters(ctx, room.ID, 1, 0, true); err != nil {
			return err
		}
		participant.RoomID = room.ID
		return tx.CreateParticipant(ctx, participant)
	})
	if err != nil {
		logrus.WithField("creator_id", creatorID).WithError(err).Error("Failed to create voice room")
		return nil, txError(err, ErrRoomNotFound)
	}
	room.SpeakerCount = 1

	summary := creator.Summary()
	s.broadcaster.Broadcast(VoiceLobbyKey, dto.EventRoomCreated, domain.VoiceRoomView{
		VoiceRoom:    *room,
		Participants: []domain.ParticipantView{{VoiceRoomParticipant: *participant, User: summary}},
	})
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "creator_id": creatorID, "max_speakers": maxSpeakers}).Info("Voice room created")

	return &ParticipationResult{
		Room:        room,
		Participant: participant,
		Credential:  s.issueCredential(room, summary, domain.RoleSpeaker),
	}, nil
}

// JoinAsListener 以听众身份加入。已在房间内时直接返回现有记录，不改变计数器。
// 创建者重新进入时回到台上。
func (s *VoiceService) JoinAsListener(ctx context.Context, roomID, userID uint) (*ParticipationResult, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}
	summary := user.Summary()

	existing, err := s.roomRepo.FindActiveParticipant(ctx, roomID, userID)
	if err == nil {
		return &ParticipationResult{
			Room:        room,
			Participant: existing,
			Credential:  s.issueCredential(room, summary, existing.Role),
		}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, mapRepoError(err, nil)
	}

	if !room.IsCreator(userID) {
		// 与创建者或任一当前发言者存在屏蔽都不能进入
		participants, err := s.roomRepo.ListActiveParticipants(ctx, roomID)
		if err != nil {
			return nil, mapRepoError(err, nil)
		}
		gate := []uint{room.CreatorID}
		for _, p := range participants {
			if p.Role == domain.RoleSpeaker && p.UserID != room.CreatorID {
				gate = append(gate, p.UserID)
			}
		}
		if err := s.social.ensureNotBlockedByAny(ctx, userID, gate); err != nil {
			return nil, err
		}
	}

	role := domain.RoleListener
	speakerDelta, listenerDelta, requireSeat := 0, 1, false
	if room.IsCreator(userID) {
		role = domain.RoleSpeaker
		speakerDelta, listenerDelta, requireSeat = 1, 0, true
	}
	participant := &domain.VoiceRoomParticipant{
		RoomID:   roomID,
		UserID:   userID,
		Role:     role,
		JoinedAt: timeNow(),
	}

	var (
		updated *domain.VoiceRoom
		joined  *domain.VoiceRoomParticipant
	)
	err = s.roomRepo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := lockActiveRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		// 其他实例可能在加锁前已经写入了参与记录
		if found, err := tx.FindActiveParticipant(ctx, roomID, userID); err == nil {
			updated, joined = locked, found
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := tx.AdjustCounters(ctx, roomID, speakerDelta, listenerDelta, requireSeat); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) && requireSeat {
				return ErrStageFull
			}
			return err
		}
		if err := tx.CreateParticipant(ctx, participant); err != nil {
			return err
		}
		updated, err = tx.FindByID(ctx, roomID)
		return err
	})
	if err != nil {
		return nil, txError(err, ErrRoomNotFound)
	}
	if joined != nil {
		return &ParticipationResult{
			Room:        updated,
			Participant: joined,
			Credential:  s.issueCredential(updated, summary, joined.Role),
		}, nil
	}

	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventParticipantJoined, dto.ParticipantJoinedPayload{
		RoomID:       roomID,
		Participant:  domain.ParticipantView{VoiceRoomParticipant: *participant, User: summary},
		RoomCounters: countersOf(updated),
	})
	s.syncPermission(ctx, updated, userID, role.Permission())
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "role": role}).Info("User joined voice room")

	return &ParticipationResult{
		Room:        updated,
		Participant: participant,
		Credential:  s.issueCredential(updated, summary, role),
	}, nil
}

// PromoteToSpeaker 创建者把听众请上台。台上已满时返回 ErrStageFull，计数器不变。
func (s *VoiceService) PromoteToSpeaker(ctx context.Context, roomID, actorID, targetID uint) (*ParticipationResult, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsCreator(actorID) {
		return nil, ErrNotCreator
	}
	target, err := s.roomRepo.FindActiveParticipant(ctx, roomID, targetID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotFound)
	}
	if target.Role == domain.RoleSpeaker {
		return &ParticipationResult{Room: room, Participant: target}, nil
	}
	return s.changeRole(ctx, room, target, domain.RoleSpeaker, dto.EventStageGranted)
}

// DemoteToListener 创建者把发言者请下台，不能作用于创建者本人
func (s *VoiceService) DemoteToListener(ctx context.Context, roomID, actorID, targetID uint) (*ParticipationResult, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsCreator(actorID) {
		return nil, ErrNotCreator
	}
	if room.IsCreator(targetID) {
		return nil, ErrCannotDemoteCreator
	}
	target, err := s.roomRepo.FindActiveParticipant(ctx, roomID, targetID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotFound)
	}
	if target.Role != domain.RoleSpeaker {
		return nil, ErrNotSpeaker
	}
	return s.changeRole(ctx, room, target, domain.RoleListener, dto.EventStageRemoved)
}

// LeaveStage 发言者自行下台，创建者只能关闭房间
func (s *VoiceService) LeaveStage(ctx context.Context, roomID, userID uint) (*ParticipationResult, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsCreator(userID) {
		return nil, ErrCreatorLeaveStage
	}
	p, err := s.roomRepo.FindActiveParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotFound)
	}
	if p.Role != domain.RoleSpeaker {
		return nil, ErrNotSpeaker
	}
	return s.changeRole(ctx, room, p, domain.RoleListener, "")
}

// changeRole 在一个事务内完成角色切换与计数器调整，提交后广播、下发新凭证并排队权限同步。
// 调用方必须持有房间锁。
func (s *VoiceService) changeRole(ctx context.Context, room *domain.VoiceRoom, p *domain.VoiceRoomParticipant, to domain.ParticipantRole, extraEvent string) (*ParticipationResult, error) {
	if err := p.Role.CanTransition(to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}
	user, err := s.userRepo.FindByID(ctx, p.UserID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}

	speakerDelta, listenerDelta, requireSeat := 1, -1, true
	if to == domain.RoleListener {
		speakerDelta, listenerDelta, requireSeat = -1, 1, false
	}

	var updated *domain.VoiceRoom
	err = s.roomRepo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := lockActiveRoom(ctx, tx, room.ID)
		if err != nil {
			return err
		}
		// 锁内重新读取参与记录，角色或记录已被其他实例改变时放弃
		current, err := tx.FindActiveParticipant(ctx, room.ID, p.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrParticipantNotFound
			}
			return err
		}
		if current.ID != p.ID || current.Role != p.Role {
			return ErrParticipantChanged
		}
		if requireSeat && locked.StageFull() {
			return ErrStageFull
		}
		if err := tx.UpdateParticipantRole(ctx, p.ID, p.Role, to); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) {
				return ErrParticipantChanged
			}
			return err
		}
		if err := tx.AdjustCounters(ctx, room.ID, speakerDelta, listenerDelta, requireSeat); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) && requireSeat {
				return ErrStageFull
			}
			return err
		}
		if to == domain.RoleSpeaker {
			if _, err := tx.ResolveStageRequest(ctx, room.ID, p.UserID, domain.StageApproved); err != nil {
				return err
			}
		}
		updated, err = tx.FindByID(ctx, room.ID)
		return err
	})
	if err != nil {
		if ErrorCode(err) == "internal" {
			logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_id": p.UserID, "to": to}).WithError(err).Error("Role transition failed")
		}
		return nil, txError(err, ErrRoomNotFound)
	}
	p.Role = to

	key := VoiceRoomKey(room.ID)
	s.broadcaster.Broadcast(key, dto.EventRoleChanged, dto.RoleChangedPayload{
		RoomID:       room.ID,
		UserID:       p.UserID,
		Role:         to,
		RoomCounters: countersOf(updated),
	})
	if extraEvent != "" {
		s.broadcaster.Broadcast(key, extraEvent, dto.StageUserPayload{RoomID: room.ID, UserID: p.UserID})
	}

	cred := s.issueCredential(updated, user.Summary(), to)
	if cred != nil {
		s.broadcaster.NotifyUser(p.UserID, dto.EventCredential, cred)
	}
	s.syncPermission(ctx, updated, p.UserID, to.Permission())

	logrus.WithFields(logrus.Fields{
		"room_id":       room.ID,
		"user_id":       p.UserID,
		"role":          to,
		"speaker_count": updated.SpeakerCount,
	}).Info("Participant role changed")
	return &ParticipationResult{Room: updated, Participant: p, Credential: cred}, nil
}

// RequestStage 听众举手，重复申请覆盖之前的结果
func (s *VoiceService) RequestStage(ctx context.Context, roomID, userID uint) (*domain.StageRequest, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	p, err := s.activeListener(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	user, err := s.userRepo.FindByID(ctx, p.UserID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}
	req, err := s.roomRepo.UpsertStageRequest(ctx, roomID, userID, domain.StagePending)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventStageRequest, dto.StageRequestPayload{
		RoomID: roomID,
		User:   user.Summary(),
	})
	return req, nil
}

// CancelStageRequest 撤回待处理的举手
func (s *VoiceService) CancelStageRequest(ctx context.Context, roomID, userID uint) error {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.activeListener(ctx, roomID, userID); err != nil {
		return err
	}
	changed, err := s.roomRepo.ResolveStageRequest(ctx, roomID, userID, domain.StageCancelled)
	if err != nil {
		return mapRepoError(err, nil)
	}
	if !changed {
		return ErrNoPendingRequest
	}
	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventStageRequestRevoked, dto.StageUserPayload{RoomID: roomID, UserID: userID})
	return nil
}

// ListStageRequests 创建者查看待处理的举手
func (s *VoiceService) ListStageRequests(ctx context.Context, roomID, actorID uint) ([]domain.StageRequest, error) {
	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsCreator(actorID) {
		return nil, ErrNotCreator
	}
	reqs, err := s.roomRepo.ListPendingStageRequests(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	return reqs, nil
}

// Leave 离开房间。两个计数器都归零时在同一事务中关闭房间。
func (s *VoiceService) Leave(ctx context.Context, roomID, userID uint) (*LeaveResult, error) {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.loadActiveRoom(ctx, roomID); err != nil {
		return nil, err
	}
	now := timeNow()

	var (
		updated *domain.VoiceRoom
		closed  bool
	)
	err := s.roomRepo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := lockActiveRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		// 角色以锁内读到的为准，决定扣减哪个计数器
		p, err := tx.FindActiveParticipant(ctx, roomID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrParticipantNotFound
			}
			return err
		}
		speakerDelta, listenerDelta := 0, -1
		if p.Role == domain.RoleSpeaker {
			speakerDelta, listenerDelta = -1, 0
		}
		if err := tx.MarkParticipantLeft(ctx, p.ID, now); err != nil {
			return err
		}
		if err := tx.AdjustCounters(ctx, roomID, speakerDelta, listenerDelta, false); err != nil {
			return err
		}
		if _, err := tx.ResolveStageRequest(ctx, roomID, userID, domain.StageCancelled); err != nil {
			return err
		}
		updated, err = tx.FindByID(ctx, roomID)
		if err != nil {
			return err
		}
		if updated.SpeakerCount == 0 && updated.ListenerCount == 0 {
			if _, err := closeRoomTx(ctx, tx, locked, now); err != nil {
				return err
			}
			closed = true
			updated.Status = domain.RoomClosed
			updated.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		if ErrorCode(err) == "internal" {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).WithError(err).Error("Failed to leave voice room")
		}
		return nil, txError(err, ErrRoomNotFound)
	}

	// 离开者的所有连接不再接收或中继房间事件
	s.broadcaster.LeaveUser(userID, VoiceRoomKey(roomID))
	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventParticipantLeft, dto.ParticipantLeftPayload{
		RoomID:       roomID,
		UserID:       userID,
		RoomCounters: countersOf(updated),
	})
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "closed": closed}).Info("User left voice room")

	if closed {
		s.afterClose(ctx, updated, "empty")
	} else {
		s.syncPermission(ctx, updated, userID, domain.MediaPermission{})
	}
	return &LeaveResult{Room: updated, Closed: closed}, nil
}

// Close 创建者关闭房间：所有人离开，计数器清零，聊天清空，举手全部取消
func (s *VoiceService) Close(ctx context.Context, roomID, actorID uint) error {
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	room, err := s.loadActiveRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsCreator(actorID) {
		return ErrNotCreator
	}
	now := timeNow()
	var evicted []uint
	err = s.roomRepo.Transaction(ctx, func(tx repository.VoiceRoomRepository) error {
		locked, err := lockActiveRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		evicted, err = closeRoomTx(ctx, tx, locked, now)
		return err
	})
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to close voice room")
		return txError(err, ErrRoomNotFound)
	}

	room.Status = domain.RoomClosed
	room.ClosedAt = &now
	room.SpeakerCount, room.ListenerCount = 0, 0
	logrus.WithFields(logrus.Fields{"room_id": roomID, "evicted": len(evicted)}).Info("Voice room closed by creator")
	s.afterClose(ctx, room, "closed_by_creator")
	return nil
}

// closeRoomTx 关闭房间的全部副作用，必须在已锁定房间的事务内调用
func closeRoomTx(ctx context.Context, tx repository.VoiceRoomRepository, room *domain.VoiceRoom, at time.Time) ([]uint, error) {
	if err := room.Status.CanTransition(domain.RoomClosed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRoomClosed, err)
	}
	roomID := room.ID
	if err := tx.MarkClosed(ctx, roomID, at); err != nil {
		return nil, err
	}
	evicted, err := tx.MarkAllParticipantsLeft(ctx, roomID, at)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteChatMessages(ctx, roomID); err != nil {
		return nil, err
	}
	if err := tx.CancelPendingStageRequests(ctx, roomID); err != nil {
		return nil, err
	}
	return evicted, nil
}

// afterClose 广播关闭事件，清理订阅，并排队删除中继房间
func (s *VoiceService) afterClose(ctx context.Context, room *domain.VoiceRoom, reason string) {
	payload := dto.RoomClosedPayload{RoomID: room.ID, Reason: reason}
	key := VoiceRoomKey(room.ID)
	s.broadcaster.Broadcast(key, dto.EventRoomClosed, payload)
	s.broadcaster.Broadcast(VoiceLobbyKey, dto.EventRoomClosed, payload)
	s.broadcaster.CloseRoom(key)

	if s.relaySync == nil {
		return
	}
	if err := s.relaySync.EnqueueRoomClose(ctx, room.RelayRoomName); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "relay_room": room.RelayRoomName}).WithError(err).Warn("Failed to enqueue relay room close")
	}
}

// SetMuted 参与者切换自己的静音状态
func (s *VoiceService) SetMuted(ctx context.Context, roomID, userID uint, muted bool) error {
	if _, err := s.loadActiveRoom(ctx, roomID); err != nil {
		return err
	}
	p, err := s.roomRepo.FindActiveParticipant(ctx, roomID, userID)
	if err != nil {
		return mapRepoError(err, ErrParticipantNotFound)
	}
	if p.IsMuted == muted {
		return nil
	}
	if err := s.roomRepo.UpdateParticipantMute(ctx, p.ID, muted); err != nil {
		return mapRepoError(err, ErrParticipantNotFound)
	}
	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventMuteChanged, dto.MuteChangedPayload{RoomID: roomID, UserID: userID, Muted: muted})
	return nil
}

// SendChat 房间聊天，要求发送者当前在房间内
func (s *VoiceService) SendChat(ctx context.Context, roomID, userID uint, content string) (*domain.ChatMessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > domain.MaxChatLength {
		return nil, fmt.Errorf("%w: content must be 1-%d characters", ErrInvalidChat, domain.MaxChatLength)
	}

	// 与关闭房间串行，避免关闭清空聊天后又写入新消息
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()

	if _, err := s.ActiveParticipation(ctx, roomID, userID); err != nil {
		return nil, err
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrUserNotFound)
	}
	msg := &domain.VoiceRoomMessage{RoomID: roomID, UserID: userID, Content: content}
	if err := s.roomRepo.CreateChatMessage(ctx, msg); err != nil {
		return nil, mapRepoError(err, nil)
	}
	view := &domain.ChatMessageView{VoiceRoomMessage: *msg, Sender: user.Summary()}
	s.broadcaster.Broadcast(VoiceRoomKey(roomID), dto.EventChatMessage, view)
	return view, nil
}

// ListChat 返回房间内最近的聊天消息，按时间正序
func (s *VoiceService) ListChat(ctx context.Context, roomID, userID uint, limit int) ([]domain.ChatMessageView, error) {
	if _, err := s.ActiveParticipation(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.roomRepo.ListChatMessages(ctx, roomID, clampLimit(limit))
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UserID)
	}
	users, err := s.userRepo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	views := make([]domain.ChatMessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, domain.ChatMessageView{VoiceRoomMessage: m, Sender: users[m.UserID].Summary()})
	}
	return views, nil
}

// ListActiveRooms 列出活跃房间及其在场参与者
func (s *VoiceService) ListActiveRooms(ctx context.Context, offset, limit int) ([]domain.VoiceRoomView, error) {
	if offset < 0 {
		offset = 0
	}
	rooms, err := s.roomRepo.ListActive(ctx, offset, clampLimit(limit))
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	return s.buildViews(ctx, rooms)
}

// ListRoomsForUser 列出用户当前所在的房间
func (s *VoiceService) ListRoomsForUser(ctx context.Context, userID uint) ([]domain.VoiceRoomView, error) {
	ids, err := s.roomRepo.ActiveRoomIDsForUser(ctx, userID)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}
	rooms := make([]domain.VoiceRoom, 0, len(ids))
	for _, id := range ids {
		room, err := s.roomRepo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, mapRepoError(err, nil)
		}
		if room.Status == domain.RoomActive {
			rooms = append(rooms, *room)
		}
	}
	return s.buildViews(ctx, rooms)
}

// GetRoom 返回房间详情，已关闭的房间也可查询
func (s *VoiceService) GetRoom(ctx context.Context, roomID uint) (*domain.VoiceRoomView, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	views, err := s.buildViews(ctx, []domain.VoiceRoom{*room})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// ActiveParticipation 校验用户当前在活跃房间内，用于订阅房间频道前的重新校验
func (s *VoiceService) ActiveParticipation(ctx context.Context, roomID, userID uint) (*domain.VoiceRoomParticipant, error) {
	if _, err := s.loadActiveRoom(ctx, roomID); err != nil {
		return nil, err
	}
	p, err := s.roomRepo.FindActiveParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, mapRepoError(err, nil)
	}
	return p, nil
}

// ValidateGesture 只允许白名单中的动作
func ValidateGesture(gesture string) error {
	if !allowedGestures[gesture] {
		return fmt.Errorf("%w: %q", ErrInvalidGesture, gesture)
	}
	return nil
}

// ValidateReaction 表情反应为非空短字符串
func ValidateReaction(reaction string) error {
	if reaction == "" || len(reaction) > maxReactionBytes || !utf8.ValidString(reaction) {
		return ErrInvalidReaction
	}
	return nil
}

// ValidatePosition 角色坐标必须是有限值且在场景范围内
func ValidatePosition(x, y float64) error {
	for _, v := range []float64{x, y} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxPositionAbs {
			return ErrInvalidPosition
		}
	}
	return nil
}

// --- 私有辅助函数 ---

// loadActiveRoom 读取房间，已关闭时返回 ErrRoomClosed
func (s *VoiceService) loadActiveRoom(ctx context.Context, roomID uint) (*domain.VoiceRoom, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	if err := room.EnsureActive(); err != nil {
		return nil, ErrRoomClosed
	}
	return room, nil
}

// activeListener 校验用户是活跃房间中的听众
func (s *VoiceService) activeListener(ctx context.Context, roomID, userID uint) (*domain.VoiceRoomParticipant, error) {
	if _, err := s.loadActiveRoom(ctx, roomID); err != nil {
		return nil, err
	}
	p, err := s.roomRepo.FindActiveParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotFound)
	}
	if p.Role != domain.RoleListener {
		return nil, ErrNotListener
	}
	return p, nil
}

// lockActiveRoom 在事务内锁定房间行并确认仍处于活跃状态
func lockActiveRoom(ctx context.Context, tx repository.VoiceRoomRepository, roomID uint) (*domain.VoiceRoom, error) {
	room, err := tx.LockRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := room.EnsureActive(); err != nil {
		return nil, ErrRoomClosed
	}
	return room, nil
}

// issueCredential 签发失败只记录日志，客户端可以稍后重新加入获取
func (s *VoiceService) issueCredential(room *domain.VoiceRoom, user domain.UserSummary, role domain.ParticipantRole) *domain.MediaCredential {
	if s.credentials == nil {
		return nil
	}
	cred, err := s.credentials.IssueCredential(room.RelayRoomName, user, role)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_id": user.ID}).WithError(err).Error("Failed to issue relay credential")
		return nil
	}
	return cred
}

// syncPermission 排队一次尽力而为的中继权限同步，失败不影响已提交的状态
func (s *VoiceService) syncPermission(ctx context.Context, room *domain.VoiceRoom, userID uint, perm domain.MediaPermission) {
	if s.relaySync == nil {
		return
	}
	if err := s.relaySync.EnqueuePermissionSync(ctx, room.RelayRoomName, userID, perm); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_id": userID}).WithError(err).Warn("Failed to enqueue relay permission sync")
	}
}

// buildViews 组装房间快照，参与者的用户信息一次批量读取
func (s *VoiceService) buildViews(ctx context.Context, rooms []domain.VoiceRoom) ([]domain.VoiceRoomView, error) {
	participantsByRoom := make(map[uint][]domain.VoiceRoomParticipant, len(rooms))
	var userIDs []uint
	for _, room := range rooms {
		if room.Status != domain.RoomActive {
			continue
		}
		ps, err := s.roomRepo.ListActiveParticipants(ctx, room.ID)
		if err != nil {
			return nil, mapRepoError(err, nil)
		}
		participantsByRoom[room.ID] = ps
		for _, p := range ps {
			userIDs = append(userIDs, p.UserID)
		}
	}
	users, err := s.userRepo.FindByIDs(ctx, userIDs)
	if err != nil {
		return nil, mapRepoError(err, nil)
	}

	views := make([]domain.VoiceRoomView, 0, len(rooms))
	for _, room := range rooms {
		ps := participantsByRoom[room.ID]
		pv := make([]domain.ParticipantView, 0, len(ps))
		for _, p := range ps {
			pv = append(pv, domain.ParticipantView{VoiceRoomParticipant: p, User: users[p.UserID].Summary()})
		}
		views = append(views, domain.VoiceRoomView{VoiceRoom: room, Participants: pv})
	}
	return views, nil
}

func countersOf(room *domain.VoiceRoom) dto.RoomCounters {
	return dto.RoomCounters{SpeakerCount: room.SpeakerCount, ListenerCount: room.ListenerCount}
}

// txError 服务层错误原样返回，仓库层错误经 mapRepoError 映射
func txError(err error, notFound error) error {
	if ErrorCode(err) != "internal" {
		return err
	}
	return mapRepoError(err, notFound)
}
