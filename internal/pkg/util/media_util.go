package util

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
)

// GetSafeContentType 基于文件头嗅探真实类型，不信任客户端声明
func GetSafeContentType(r io.ReadSeeker) (string, error) {
	head := make([]byte, 512)
	n, err := r.Read(head)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// GetImageDimensions 只解码图片头读取宽高
func GetImageDimensions(r io.ReadSeeker) (int, int, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// MakeThumbnail 等比缩放生成 JPEG 缩略图
func MakeThumbnail(r io.Reader, maxWidth, maxHeight int) (*bytes.Buffer, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	thumb := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf, nil
}
