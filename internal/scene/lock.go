package scene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises changes to a scene's occupancy. Placement holds the lock
// from the free-space search until the token is stored, so two concurrent
// placements never choose the same space.
type Locker interface {
	// Lock blocks until the scene is locked or ctx is done. The returned
	// function releases the lock.
	Lock(ctx context.Context, sceneID string) (func(), error)
}

// MemLocker locks scenes within one process.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemLocker() *MemLocker {
	return &MemLocker{locks: make(map[string]chan struct{})}
}

func (l *MemLocker) Lock(ctx context.Context, sceneID string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[sceneID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[sceneID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock scene %s: %w", sceneID, ctx.Err())
	}
}

const (
	lockTTL   = 5 * time.Second
	lockRetry = 20 * time.Millisecond
)

// RedisLocker locks scenes across every server sharing the Redis instance.
// A lock expires after lockTTL if its holder dies.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(sceneID string) string {
	return "scene:" + sceneID + ":lock"
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, sceneID string) (func(), error) {
	key := lockKey(sceneID)
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock scene %s: %w", sceneID, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("lock scene %s: %w", sceneID, ctx.Err())
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
