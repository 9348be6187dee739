package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/labharness/pkg/util"
)

const keyPrefix = "labharness"

// DefaultRunTTL is how long a run's results hash survives in Redis.
const DefaultRunTTL = 24 * time.Hour

// RedisStore keeps marks as plain keys and each run's results as a hash
// (labharness:run:<id>) whose fields are task IDs and values JSON results.
type RedisStore struct {
	client *redis.Client
	RunTTL time.Duration
}

// NewRedisStore creates a store against the Redis instance at addr.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		RunTTL: DefaultRunTTL,
	}
}

// Connect tests the connection
func (s *RedisStore) Connect(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func markKey(key string) string  { return fmt.Sprintf("%s:mark:%s", keyPrefix, key) }
func runKey(runID string) string { return fmt.Sprintf("%s:run:%s", keyPrefix, runID) }

func (s *RedisStore) SaveMark(ctx context.Context, key string, pos int64) error {
	if err := s.client.Set(ctx, markKey(key), pos, 0).Err(); err != nil {
		return fmt.Errorf("saving mark %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LoadMark(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, markKey(key)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("mark %q: %w", key, util.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("loading mark %q: %w", key, err)
	}
	pos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mark %q: bad value %q: %w", key, v, err)
	}
	return pos, nil
}

// PutResult writes one result and refreshes the run's expiry in a single
// MULTI/EXEC.
func (s *RedisStore) PutResult(ctx context.Context, runID string, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", r.ID, err)
	}
	key := runKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, r.ID, data)
	if s.RunTTL > 0 {
		pipe.Expire(ctx, key, s.RunTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("storing result %s/%s: %w", runID, r.ID, err)
	}
	return nil
}

func (s *RedisStore) Results(ctx context.Context, runID string) (map[string]Result, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	out := make(map[string]Result, len(vals))
	for id, raw := range vals {
		var r Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			util.WithField("run", runID).Warnf("skipping undecodable result %s: %v", id, err)
			continue
		}
		out[id] = r
	}
	return out, nil
}
