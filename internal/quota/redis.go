package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per uid with "date" and "count" fields. Keys
// expire after recordTTL so stale identifiers are dropped.
type RedisStore struct {
	client    redis.UniversalClient
	limit     int
	keyPrefix string
	recordTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// consumeScript returns {allowed, count, stored_date}.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]
local limit = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "date", "count")
local date = data[1]
local count = tonumber(data[2]) or 0

if date ~= today then
  date = today
  count = 0
end

if count >= limit then
  return {0, count, date}
end

count = count + 1
redis.call("HSET", key, "date", date, "count", count)
redis.call("PEXPIRE", key, ttl_ms)
return {1, count, date}
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]

local data = redis.call("HMGET", key, "date", "count")
local count = tonumber(data[2]) or 0
if data[1] ~= today or count <= 0 then
  return 0
end
redis.call("HINCRBY", key, "count", -1)
return 1
`)

func NewRedisStore(client redis.UniversalClient, limit int, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pixelprompt:quota"
	}
	return &RedisStore{
		client:    client,
		limit:     limit,
		keyPrefix: keyPrefix,
		recordTTL: 48 * time.Hour,
	}, nil
}

func (s *RedisStore) Limit() int {
	return s.limit
}

func (s *RedisStore) key(uid string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, uid)
}

func (s *RedisStore) CheckAndConsume(ctx context.Context, uid, date string) (Decision, error) {
	raw, err := consumeScript.Run(
		ctx,
		s.client,
		[]string{s.key(uid)},
		date,
		s.limit,
		s.recordTTL.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run quota consume script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, errors.New("invalid quota consume response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parse allowed value: %w", err)
	}
	count, err := toInt64(values[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parse count value: %w", err)
	}
	storedDate, _ := values[2].(string)

	return Decision{
		Allowed: allowed == 1,
		Record:  domain.UsageRecord{Date: storedDate, Count: int(count)},
		Limit:   s.limit,
	}, nil
}

func (s *RedisStore) Release(ctx context.Context, uid, date string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(uid)}, date).Err(); err != nil {
		return fmt.Errorf("run quota release script: %w", err)
	}
	return nil
}

func (s *RedisStore) Usage(ctx context.Context, uid, date string) (domain.UsageRecord, error) {
	values, err := s.client.HMGet(ctx, s.key(uid), "date", "count").Result()
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("read quota record: %w", err)
	}

	record := domain.UsageRecord{Date: date}
	storedDate, _ := values[0].(string)
	if storedDate != date || values[1] == nil {
		return record, nil
	}
	count, err := toInt64(values[1])
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("parse count value: %w", err)
	}
	record.Count = int(count)
	return record, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
