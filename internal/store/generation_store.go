package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

var ErrGenerationNotFound = errors.New("generation not found")

type GenerationStore interface {
	// Save inserts g, or leaves the stored row untouched when g.ID exists.
	Save(ctx context.Context, g domain.Generation) error
	Get(ctx context.Context, id string) (domain.Generation, bool, error)
	ListByUID(ctx context.Context, uid string, limit int) ([]domain.Generation, error)
}
