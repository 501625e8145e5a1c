package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/service"
)

// statusFor 把服务层错误类别映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStageFull), errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError 统一输出服务层错误：{"error": 描述, "reason": 机器可读原因}
func HandleServiceError(c *gin.Context, err error) {
	status := statusFor(err)
	reason := service.ErrorCode(err)
	if status == http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{"path": c.FullPath(), "method": c.Request.Method}).WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, status, reason, "An unexpected error occurred")
		return
	}
	ErrorResponse(c, status, reason, err.Error())
}
