package settings

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (s *MemStore) Load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) Save(key, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	return nil
}

// RedisStore keeps world settings in a single hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, key: namespace + ":settings:world"}
}

func (s *RedisStore) Load() (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.HGetAll(ctx, s.key).Result()
}

func (s *RedisStore) Save(key, raw string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.HSet(ctx, s.key, key, raw).Err()
}
