package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldjoshua/ultrasynth/pkg/orchtypes"
)

// RedisStore backs the health cache with Redis for multi-process
// deployments where each process would otherwise probe independently.
// The in-memory MemoryStore remains the default; this is opt-in.
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisStore wraps an existing *redis.Client. ctx is used for every
// Redis round trip issued by the Store interface, which itself is not
// context-aware.
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ultrasynth:health:"
	}
	return &RedisStore{client: client, prefix: prefix, ctx: ctx}
}

type redisEntry struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

func (s *RedisStore) key(model orchtypes.ModelId) string {
	return s.prefix + string(model)
}

func (s *RedisStore) Get(model orchtypes.ModelId) (Entry, bool) {
	raw, err := s.client.Get(s.ctx, s.key(model)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	return Entry{Healthy: e.Healthy, CheckedAt: e.CheckedAt}, true
}

func (s *RedisStore) Set(model orchtypes.ModelId, e Entry) {
	raw, err := json.Marshal(redisEntry{Healthy: e.Healthy, CheckedAt: e.CheckedAt})
	if err != nil {
		return
	}
	s.client.Set(s.ctx, s.key(model), raw, DefaultTTL*2)
}

func (s *RedisStore) Delete(model orchtypes.ModelId) {
	s.client.Del(s.ctx, s.key(model))
}

func (s *RedisStore) All() map[orchtypes.ModelId]Entry {
	out := make(map[orchtypes.ModelId]Entry)
	iter := s.client.Scan(s.ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(s.ctx) {
		k := iter.Val()
		model := orchtypes.ModelId(k[len(s.prefix):])
		if e, ok := s.Get(model); ok {
			out[model] = e
		}
	}
	return out
}
