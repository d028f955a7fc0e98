package archive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
)

const (
	DefaultThumbnailWidth = 256
	thumbnailQuality      = 80
	thumbnailContentType  = "image/jpeg"
)

func thumbnailKey(objectKey string) string {
	if dot := strings.LastIndex(objectKey, "."); dot > strings.LastIndex(objectKey, "/") {
		objectKey = objectKey[:dot]
	}
	return objectKey + ".thumb.jpg"
}

// renderThumbnail scales src to width, keeping the aspect ratio, and encodes
// it as JPEG. Images already narrower than width keep their size.
func renderThumbnail(ctx context.Context, data []byte, width int) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: decode: %v", ErrNotAnImage, err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, 0, 0, fmt.Errorf("%w: zero dimensions", ErrNotAnImage)
	}

	dstW := min(width, srcW)
	dstH := max(1, int(math.Round(float64(srcH)*float64(dstW)/float64(srcW))))

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), dstW, dstH, nil
}

func (a *Archiver) writeThumbnail(ctx context.Context, req Request, objectKey string, data []byte, metadata map[string]string) (string, error) {
	key := thumbnailKey(objectKey)
	exists, err := a.storage.ObjectExists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("thumbnail stage: %w", err)
	}
	if exists {
		return key, nil
	}

	thumb, w, h, err := renderThumbnail(ctx, data, a.thumbnailWidth)
	if err != nil {
		return "", fmt.Errorf("thumbnail stage: %w", err)
	}
	thumbMeta := map[string]string{
		"source-key": objectKey,
		"width":      fmt.Sprint(w),
		"height":     fmt.Sprint(h),
	}
	for k, v := range metadata {
		thumbMeta[k] = v
	}
	if err := a.storage.WriteObject(ctx, key, thumb, thumbnailContentType, thumbMeta); err != nil {
		return "", fmt.Errorf("thumbnail stage: prediction %s: %w", req.PredictionID, err)
	}
	return key, nil
}
