package handler

import (
	"Mindweave/internal/api/dto"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/minio"
	"Mindweave/internal/pkg/response"
	"Mindweave/internal/pkg/util"
	"Mindweave/internal/service"
	"bytes"
	"io"
	log "log/slog"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	thumbMaxWidth  = 480
	thumbMaxHeight = 480
)

type MediaHandler struct{}

func NewMediaHandler() *MediaHandler {
	return &MediaHandler{}
}

// Upload 图片上传。仅接受图片类型；非 GIF 额外生成缩略图，
// 返回的附件描述由客户端随消息一并发送。
func (s *MediaHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	reader, err := file.Open()
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	defer func() { _ = reader.Close() }()

	contentType, err := util.GetSafeContentType(reader)
	if err != nil || !strings.HasPrefix(contentType, consts.MimePrefixImage) {
		response.Error(c, service.ErrFileNotSupported)
		return
	}
	isGif := contentType == consts.MimeGif

	width, height, err := util.GetImageDimensions(reader)
	if err != nil {
		response.Error(c, service.ErrFileNotSupported)
		return
	}

	ext := path.Ext(file.Filename)
	objectName := time.Now().Format("2006/01/02/") + uuid.NewString() + ext

	fileKey, err := minio.UploadFile(c.Request.Context(), objectName, reader, file.Size, contentType)
	if err != nil {
		log.ErrorContext(c, "MinIO upload failed", "err", err)
		response.Error(c, service.UnExpectedError)
		return
	}

	res := &dto.MediaUploadResp{
		Kind:   "image",
		URL:    minio.GetPublicURL(fileKey),
		Width:  width,
		Height: height,
	}

	// GIF 保留动图原样，不做缩略图
	if isGif {
		res.Kind = "gif"
	} else if thumbKey := s.uploadThumbnail(c, reader, objectName); thumbKey != "" {
		res.ThumbURL = minio.GetPublicURL(thumbKey)
	}

	log.InfoContext(c, "media upload success", "fileKey", fileKey, "type", contentType)
	response.Success(c, res)
}

func (s *MediaHandler) uploadThumbnail(c *gin.Context, reader io.ReadSeeker, objectName string) string {
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	thumb, err := util.MakeThumbnail(reader, thumbMaxWidth, thumbMaxHeight)
	if err != nil {
		log.WarnContext(c, "thumbnail generation failed", "object", objectName, "err", err)
		return ""
	}

	thumbName := strings.TrimSuffix(objectName, path.Ext(objectName)) + "_thumb.jpg"
	thumbKey, err := minio.UploadFile(c.Request.Context(), thumbName, bytes.NewReader(thumb.Bytes()), int64(thumb.Len()), "image/jpeg")
	if err != nil {
		log.WarnContext(c, "thumbnail upload failed", "object", thumbName, "err", err)
		return ""
	}
	return thumbKey
}
