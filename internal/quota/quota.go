// Package quota tracks per-identifier daily generation counts.
//
// Every Store performs the check-then-increment for one identifier as a
// single atomic step, so concurrent requests for the same uid can never push
// a count past the limit.
package quota

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

const DefaultDailyLimit = 5

var errInvalidLimit = errors.New("daily limit must be positive")

type Decision struct {
	Allowed bool
	Record  domain.UsageRecord
	Limit   int
}

func (d Decision) Remaining() int {
	if d.Record.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Record.Count
}

type Store interface {
	// CheckAndConsume resets the record when date differs from the stored
	// date and then consumes one unit if the count is below the limit.
	CheckAndConsume(ctx context.Context, uid, date string) (Decision, error)
	// Release gives back one unit consumed on date. It is a no-op once the
	// record has moved to another date.
	Release(ctx context.Context, uid, date string) error
	// Usage returns the record as seen on date without mutating it.
	Usage(ctx context.Context, uid, date string) (domain.UsageRecord, error)
	Limit() int
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultDailyLimit, nil
	}
	if limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}
