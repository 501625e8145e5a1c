package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lingo-social/internal/domain"
)

const (
	MaxImageUploadSize = 10 << 20
	MaxVoiceUploadSize = 20 << 20

	sniffLength = 3072
)

// uploadKinds 允许的 MIME 类型及其对应的消息类型
var uploadKinds = map[string]domain.MessageType{
	"image/jpeg":  domain.MessageImage,
	"image/png":   domain.MessageImage,
	"image/gif":   domain.MessageImage,
	"image/webp":  domain.MessageImage,
	"audio/mpeg":  domain.MessageVoice,
	"audio/mp4":   domain.MessageVoice,
	"audio/x-m4a": domain.MessageVoice,
	"audio/ogg":   domain.MessageVoice,
	"audio/webm":  domain.MessageVoice,
	"audio/wav":   domain.MessageVoice,
	"audio/aac":   domain.MessageVoice,
	"video/webm":  domain.MessageVoice, // 浏览器 MediaRecorder 录制的纯音频 webm 会被识别为 video/webm
}

// UploadResult 上传结果，URL 可直接作为消息的 media_url
type UploadResult struct {
	URL         string             `json:"url"`
	ContentType string             `json:"content_type"`
	Size        int64              `json:"size"`
	MessageType domain.MessageType `json:"message_type"`
}

// UploadService 私信媒体上传。文件类型以内容嗅探结果为准，不信任客户端声明的 Content-Type。
type UploadService struct {
	store ObjectStore
}

// NewUploadService 创建 UploadService 实例
func NewUploadService(store ObjectStore) *UploadService {
	if store == nil {
		panic("ObjectStore cannot be nil for UploadService")
	}
	return &UploadService{store: store}
}

// Upload 校验并保存一个媒体文件，size 为客户端声明的大小
func (s *UploadService) Upload(ctx context.Context, userID uint, r io.Reader, size int64) (*UploadResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "size": size})
	if size <= 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	if size > MaxVoiceUploadSize {
		return nil, ErrUploadTooLarge
	}

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read upload: %v", ErrInternalServer, err)
	}
	head = head[:n]

	mime := mimetype.Detect(head)
	contentType, kind, ok := classify(mime)
	if !ok {
		logCtx.WithField("detected", mime.String()).Warn("Rejected upload with unsupported type")
		return nil, fmt.Errorf("%w: %s", ErrInvalidUpload, mime.String())
	}
	if kind == domain.MessageImage && size > MaxImageUploadSize {
		return nil, ErrUploadTooLarge
	}

	key := path.Join("dm", string(kind), fmt.Sprintf("%d", userID), uuid.NewString()+mime.Extension())
	url, err := s.store.Put(ctx, key, io.MultiReader(bytes.NewReader(head), r), size, contentType)
	if err != nil {
		logCtx.WithError(err).Error("Failed to store upload")
		return nil, fmt.Errorf("%w: store upload: %v", ErrInternalServer, err)
	}
	logCtx.WithFields(logrus.Fields{"content_type": contentType, "key": key}).Info("Upload stored")
	return &UploadResult{URL: url, ContentType: contentType, Size: size, MessageType: kind}, nil
}

// classify 沿着 mimetype 的父类型链查找第一个允许的类型
func classify(mime *mimetype.MIME) (string, domain.MessageType, bool) {
	for m := mime; m != nil; m = m.Parent() {
		ct := strings.ToLower(m.String())
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		if kind, ok := uploadKinds[ct]; ok {
			return ct, kind, true
		}
	}
	return "", "", false
}
