package service

import (
	"errors"
	"fmt"

	"lingo-social/internal/repository"
)

// 错误类别。具体错误通过 %w 包装其中之一，调用方用 errors.Is 判断类别。
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrStageFull       = errors.New("stage full")
	ErrConflict        = errors.New("conflict")
	ErrInvalid         = errors.New("invalid")
	ErrInternalServer  = errors.New("internal server error")
)

// 认证
var (
	ErrAuthenticationFailed = fmt.Errorf("%w: authentication failed", ErrUnauthenticated)
	ErrRegistrationFailed   = fmt.Errorf("%w: registration failed: username or email already exists", ErrConflict)
	ErrInvalidCredentials   = fmt.Errorf("%w: username and password are required", ErrInvalid)
)

// 资源不存在
var (
	ErrUserNotFound         = fmt.Errorf("%w: user not found", ErrNotFound)
	ErrConversationNotFound = fmt.Errorf("%w: conversation not found", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message not found", ErrNotFound)
	ErrRoomNotFound         = fmt.Errorf("%w: voice room not found", ErrNotFound)
	ErrRoomClosed           = fmt.Errorf("%w: voice room is closed", ErrNotFound)
	ErrParticipantNotFound  = fmt.Errorf("%w: user is not in the voice room", ErrNotFound)
	ErrNoPendingRequest     = fmt.Errorf("%w: no pending stage request", ErrNotFound)
)

// 权限
var (
	ErrBlocked             = fmt.Errorf("%w: blocked relationship", ErrForbidden)
	ErrNotParticipant      = fmt.Errorf("%w: not a participant", ErrForbidden)
	ErrNotSender           = fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	ErrNotCreator          = fmt.Errorf("%w: only the room creator can do this", ErrForbidden)
	ErrCannotDemoteCreator = fmt.Errorf("%w: cannot demote creator", ErrForbidden)
	ErrCreatorLeaveStage   = fmt.Errorf("%w: the creator cannot leave the stage, close the room instead", ErrForbidden)
)

// 并发冲突
var (
	ErrParticipantChanged = fmt.Errorf("%w: participant changed concurrently, retry", ErrConflict)
)

// 参数校验
var (
	ErrSelfConversation = fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalid)
	ErrSelfBlock        = fmt.Errorf("%w: cannot block yourself", ErrInvalid)
	ErrInvalidMessage   = fmt.Errorf("%w: invalid message", ErrInvalid)
	ErrInvalidRoom      = fmt.Errorf("%w: invalid voice room", ErrInvalid)
	ErrInvalidChat      = fmt.Errorf("%w: invalid chat message", ErrInvalid)
	ErrNotListener      = fmt.Errorf("%w: user is not a listener", ErrInvalid)
	ErrNotSpeaker       = fmt.Errorf("%w: user is not on stage", ErrInvalid)
	ErrInvalidGesture   = fmt.Errorf("%w: gesture not allowed", ErrInvalid)
	ErrInvalidReaction  = fmt.Errorf("%w: invalid reaction", ErrInvalid)
	ErrInvalidPosition  = fmt.Errorf("%w: invalid position", ErrInvalid)
	ErrInvalidUpload    = fmt.Errorf("%w: unsupported upload", ErrInvalid)
	ErrUploadTooLarge   = fmt.Errorf("%w: upload exceeds size limit", ErrInvalid)
)

// ErrorCode 返回错误对应的机器可读原因，供 HTTP 响应与 WebSocket ack 使用。
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStageFull):
		return "stage_full"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "internal"
	}
}

// mapRepoError 将仓库层的错误映射到服务层错误。
// repository.ErrNotFound 映射为 notFound，其余一律视为内部错误并保留原始原因。
func mapRepoError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) && notFound != nil {
		return notFound
	}
	return fmt.Errorf("%w: %v", ErrInternalServer, err)
}
