// Package media 保存消息图片与头像，返回可访问的 URL。
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go-dm/internal/apperr"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalStore 本地文件系统存储：dir/yyyy/mm/dd/<uuid><ext>，通过 baseURL 对外暴露。
type LocalStore struct {
	dir      string
	baseURL  string
	maxBytes int64
	now      func() time.Time
	log      zerolog.Logger
}

func NewLocalStore(dir, baseURL string, maxSizeMB int, log zerolog.Logger) (*LocalStore, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalStore{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: int64(maxSizeMB) << 20,
		now:      time.Now,
		log:      log.With().Str("component", "media").Logger(),
	}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

// Upload 接收 data:<mime>;base64,<...> 或裸 base64，只接受图片。
func (s *LocalStore) Upload(ctx context.Context, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Upload("upload cancelled", err, false)
	}
	encoded, err := stripDataURL(payload)
	if err != nil {
		return "", apperr.Upload(err.Error(), nil, true)
	}
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > s.maxBytes+2 {
		return "", apperr.Upload(fmt.Sprintf("image exceeds %d bytes", s.maxBytes), nil, true)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Upload("image is not valid base64", err, true)
	}
	if len(data) == 0 {
		return "", apperr.Upload("image is empty", nil, true)
	}
	if int64(len(data)) > s.maxBytes {
		return "", apperr.Upload(fmt.Sprintf("image exceeds %d bytes", s.maxBytes), nil, true)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", apperr.Upload(fmt.Sprintf("unsupported media type %s", mt.String()), nil, true)
	}

	now := s.now()
	rel := path.Join(fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+mt.Extension())
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", apperr.Upload("store image", err, false)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", apperr.Upload("store image", err, false)
	}
	s.log.Debug().Str("path", rel).Str("mime", mt.String()).Int("bytes", len(data)).Msg("image stored")
	return s.baseURL + "/" + rel, nil
}

func stripDataURL(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", fmt.Errorf("image payload is empty")
	}
	if !strings.HasPrefix(payload, "data:") {
		return payload, nil
	}
	parts := strings.SplitN(payload, ",", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid data url")
	}
	if !strings.Contains(parts[0], ";base64") {
		return "", fmt.Errorf("data url must be base64 encoded")
	}
	return parts[1], nil
}
