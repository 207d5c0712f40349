package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrEmptyUpload = errors.New("upload is empty")

// LocalUploader saves attachments to the local filesystem.
type LocalUploader struct {
	basePath string // directory files are written to
	baseURL  string // prefix of the returned URLs
	maxBytes int64
	logger   zerolog.Logger
}

// NewLocalUploader ensures basePath exists. maxBytes <= 0 disables the size
// check.
func NewLocalUploader(basePath, baseURL string, maxBytes int64, logger zerolog.Logger) (*LocalUploader, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", basePath, err)
	}
	logger = logger.With().Str("component", "uploader").Logger()
	logger.Info().Str("path", basePath).Msg("upload directory ensured")

	return &LocalUploader{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Upload writes data under a fresh uuid name that keeps the original
// extension, and returns its URL.
func (u *LocalUploader) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	if u.maxBytes > 0 && int64(len(data)) > u.maxBytes {
		return "", fmt.Errorf("upload %q is %d bytes, limit is %d", name, len(data), u.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	filename := uuid.New().String() + strings.ToLower(filepath.Ext(name))
	dst := filepath.Join(u.basePath, filename)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to save upload: %w", err)
	}

	url := "/uploads/" + filename
	if u.baseURL != "" {
		url = u.baseURL + "/" + filename
	}
	u.logger.Info().Str("filename", name).Str("saved_as", filename).Msg("upload saved")
	return url, nil
}

// Dir is the directory uploads are served from.
func (u *LocalUploader) Dir() string {
	return u.basePath
}
