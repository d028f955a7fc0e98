package domain

import (
	"strings"
	"time"
)

const (
	PredictionStatusStarting   = "starting"
	PredictionStatusProcessing = "processing"
	PredictionStatusSucceeded  = "succeeded"
	PredictionStatusFailed     = "failed"
	PredictionStatusCanceled   = "canceled"
)

type GenerateRequest struct {
	Prompt string `json:"prompt"`
	UID    string `json:"uid"`
}

// Validate reports ErrMissingInput when either field is blank.
func (r GenerateRequest) Validate() error {
	if strings.TrimSpace(r.UID) == "" || strings.TrimSpace(r.Prompt) == "" {
		return ErrMissingInput
	}
	return nil
}

// Normalize trims the uid so padded variants share one quota record. The
// prompt is forwarded untouched.
func (r *GenerateRequest) Normalize() {
	r.UID = strings.TrimSpace(r.UID)
}

type GenerateResponse struct {
	Image string `json:"image"`
}

type Generation struct {
	ID           string    `json:"id"`
	UID          string    `json:"uid"`
	Prompt       string    `json:"prompt"`
	PredictionID string    `json:"prediction_id"`
	SourceURL    string    `json:"source_url"`
	ObjectKey    string    `json:"object_key"`
	ThumbnailKey string    `json:"thumbnail_key,omitempty"`
	ContentType  string    `json:"content_type"`
	Bytes        int64     `json:"bytes"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	QuotaDate    string    `json:"quota_date"`
	CreatedAt    time.Time `json:"created_at"`
}
