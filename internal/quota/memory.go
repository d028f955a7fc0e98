package quota

import (
	"context"
	"sync"

	"github.com/dunamismax/pixelprompt/internal/domain"
)

// MemoryStore keeps usage records for the life of the process. Records are
// never evicted.
type MemoryStore struct {
	mu      sync.Mutex
	limit   int
	records map[string]domain.UsageRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(limit int) (*MemoryStore, error) {
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		limit:   limit,
		records: make(map[string]domain.UsageRecord),
	}, nil
}

func (s *MemoryStore) Limit() int {
	return s.limit
}

func (s *MemoryStore) CheckAndConsume(_ context.Context, uid, date string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uid]
	if !ok {
		record = domain.UsageRecord{Date: date}
	}
	if record.Date != date {
		record = domain.UsageRecord{Date: date}
	}

	if record.Count >= s.limit {
		return Decision{Allowed: false, Record: record, Limit: s.limit}, nil
	}

	record.Count++
	s.records[uid] = record
	return Decision{Allowed: true, Record: record, Limit: s.limit}, nil
}

func (s *MemoryStore) Release(_ context.Context, uid, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uid]
	if !ok || record.Date != date || record.Count == 0 {
		return nil
	}
	record.Count--
	s.records[uid] = record
	return nil
}

func (s *MemoryStore) Usage(_ context.Context, uid, date string) (domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uid]
	if !ok || record.Date != date {
		return domain.UsageRecord{Date: date}, nil
	}
	return record, nil
}

// Set overwrites the record for uid.
func (s *MemoryStore) Set(uid string, record domain.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[uid] = record
}
