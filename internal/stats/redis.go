package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore aggregates counters across worker processes. Totals are
// cumulative; per-minute buckets expire after ttl.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures the store.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithTTL overrides the per-minute bucket retention.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// NewRedisStore creates a Redis-backed recorder.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "solver:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := s.rdb.Pipeline()
	totalKey := s.prefix + ":total"
	pipe.HIncrBy(ctx, totalKey, ev.Status, 1)
	if ev.Kind != "" {
		pipe.HIncrBy(ctx, s.prefix+":kind", ev.Kind, 1)
	}

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, ev.Status, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Snapshot(ctx context.Context) (Counters, error) {
	var out Counters
	totals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return out, err
	}
	for field, raw := range totals {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		switch field {
		case "success":
			out.Success = n
		case "timeout":
			out.Timeout = n
		case "rejected":
			out.Rejected = n
		default:
			out.Failed += n
		}
	}

	kinds, err := s.rdb.HGetAll(ctx, s.prefix+":kind").Result()
	if err != nil {
		return out, err
	}
	out.ByKind = make(map[string]int64, len(kinds))
	for kind, raw := range kinds {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			out.ByKind[kind] = n
		}
	}
	return out, nil
}
