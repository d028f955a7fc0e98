package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeArchiveImage = "image:archive"

type ArchiveImagePayload struct {
	GenerationID string    `json:"generation_id"`
	UID          string    `json:"uid"`
	Prompt       string    `json:"prompt"`
	PredictionID string    `json:"prediction_id"`
	ImageURL     string    `json:"image_url"`
	QuotaDate    string    `json:"quota_date"`
	RequestedAt  time.Time `json:"requested_at"`
}

func NewArchiveImageTask(payload ArchiveImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal archive payload: %w", err)
	}
	return asynq.NewTask(TypeArchiveImage, body), nil
}

func ParseArchiveImagePayload(task *asynq.Task) (ArchiveImagePayload, error) {
	var payload ArchiveImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ArchiveImagePayload{}, fmt.Errorf("unmarshal archive payload: %w", err)
	}
	if payload.ImageURL == "" {
		return ArchiveImagePayload{}, fmt.Errorf("archive payload for prediction %q has no image_url", payload.PredictionID)
	}
	return payload, nil
}
