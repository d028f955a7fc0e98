// Package archive copies generated images from the prediction CDN into
// object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

var (
	ErrImageTooLarge = errors.New("image exceeds size limit")
	ErrNotAnImage    = errors.New("downloaded content is not a supported image")
)

type Request struct {
	GenerationID string
	UID          string
	PredictionID string
	ImageURL     string
	QuotaDate    string
}

type Output struct {
	ObjectKey    string
	ContentType  string
	Format       string
	Bytes        int64
	Width        int
	Height       int
	// ThumbnailKey is empty when thumbnails are disabled.
	ThumbnailKey string
	Reused       bool
}

type ObjectWriter interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
}

type Config struct {
	FetchTimeout   time.Duration
	MaxImageBytes  int64
	Prefix         string
	// ThumbnailWidth of 0 uses DefaultThumbnailWidth; negative disables
	// thumbnails.
	ThumbnailWidth int
}

type Archiver struct {
	httpClient     *http.Client
	storage        ObjectWriter
	maxImageBytes  int64
	prefix         string
	thumbnailWidth int
}

func NewArchiver(storage ObjectWriter, cfg Config) (*Archiver, error) {
	if storage == nil {
		return nil, errors.New("object storage is required")
	}

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "generations"
	}

	thumbWidth := cfg.ThumbnailWidth
	if thumbWidth == 0 {
		thumbWidth = DefaultThumbnailWidth
	}

	return &Archiver{
		httpClient:     &http.Client{Timeout: timeout},
		storage:        storage,
		maxImageBytes:  maxBytes,
		prefix:         prefix,
		thumbnailWidth: thumbWidth,
	}, nil
}

// Archive downloads req.ImageURL, inspects it and writes it to storage. It is
// safe to call repeatedly for the same prediction.
func (a *Archiver) Archive(ctx context.Context, req Request) (Output, error) {
	if strings.TrimSpace(req.ImageURL) == "" {
		return Output{}, errors.New("image_url is required")
	}

	data, err := a.fetch(ctx, req.ImageURL)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	out := Output{
		ObjectKey:   a.objectKey(req, format),
		ContentType: contentTypeForFormat(format),
		Format:      format,
		Bytes:       int64(len(data)),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}

	metadata := map[string]string{
		"uid":           req.UID,
		"prediction-id": req.PredictionID,
		"generation-id": req.GenerationID,
	}

	exists, err := a.storage.ObjectExists(ctx, out.ObjectKey)
	if err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}
	if exists {
		out.Reused = true
	} else if err := a.storage.WriteObject(ctx, out.ObjectKey, data, out.ContentType, metadata); err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}

	if a.thumbnailWidth > 0 {
		out.ThumbnailKey, err = a.writeThumbnail(ctx, req, out.ObjectKey, data, metadata)
		if err != nil {
			return Output{}, err
		}
	}
	return out, nil
}

func (a *Archiver) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download image: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if int64(len(data)) > a.maxImageBytes {
		return nil, fmt.Errorf("%w: limit=%d bytes", ErrImageTooLarge, a.maxImageBytes)
	}
	return data, nil
}

func (a *Archiver) objectKey(req Request, format string) string {
	name := req.PredictionID
	if strings.TrimSpace(name) == "" {
		name = req.GenerationID
	}
	return path.Join(
		a.prefix,
		sanitizePathToken(req.QuotaDate),
		sanitizePathToken(req.UID),
		sanitizePathToken(name)+"."+extensionForFormat(format),
	)
}

func sanitizePathToken(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func extensionForFormat(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "png", "webp", "gif":
		return format
	default:
		return "bin"
	}
}

func contentTypeForFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
