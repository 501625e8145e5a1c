package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/service"
)

// UploadHandler 私信媒体上传
type UploadHandler struct {
	uploads *service.UploadService
}

// NewUploadHandler 创建 UploadHandler 实例
func NewUploadHandler(uploads *service.UploadService) *UploadHandler {
	if uploads == nil {
		panic("UploadService cannot be nil for UploadHandler")
	}
	return &UploadHandler{uploads: uploads}
}

// Upload POST /api/dm/upload (multipart "file")
func (h *UploadHandler) Upload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	// 多留 1MB 给 multipart 头
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, service.MaxVoiceUploadSize+1<<20)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("Handler.Upload: missing or oversized file")
		badRequest(c, "file is required")
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Error("Handler.Upload: failed to open upload")
		ErrorResponse(c, http.StatusInternalServerError, "internal", "Failed to read upload")
		return
	}
	defer src.Close()

	res, err := h.uploads.Upload(c.Request.Context(), userID, src, fileHeader.Size)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, res)
}
