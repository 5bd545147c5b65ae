package walls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 5 * time.Second

// RedisStore keeps one hash per scene: field = wall id, value = JSON wall.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, sceneID string) *RedisStore {
	return &RedisStore{client: client, key: "scene:" + sceneID + ":walls"}
}

// doorScript rewrites the door field of an existing wall in one step so a
// concurrent Put or Remove is never lost.
var doorScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then
  return false
end

local wall = cjson.decode(raw)
wall["door"] = tonumber(ARGV[2])
local updated = cjson.encode(wall)
redis.call("HSET", KEYS[1], ARGV[1], updated)
return updated
`)

func (s *RedisStore) Put(w Wall) error {
	if w.ID == "" {
		return ErrMissingID
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	val, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, w.ID, val).Err()
}

func (s *RedisStore) Remove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return fmt.Errorf("remove wall %s: %w", id, err)
	}
	if n == 0 {
		return ErrWallNotFound
	}
	return nil
}

func (s *RedisStore) SetDoor(id string, state DoorState) (Wall, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := doorScript.Run(ctx, s.client, []string{s.key}, id, int(state)).Text()
	if errors.Is(err, redis.Nil) {
		return Wall{}, ErrWallNotFound
	}
	if err != nil {
		return Wall{}, fmt.Errorf("set door %s: %w", id, err)
	}
	return decode(raw)
}

func (s *RedisStore) Get(id string) (Wall, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return Wall{}, ErrWallNotFound
	}
	if err != nil {
		return Wall{}, err
	}
	return decode(raw)
}

func (s *RedisStore) List() ([]Wall, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Wall, 0, len(vals))
	for _, raw := range vals {
		w, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sortWalls(out)
	return out, nil
}

func decode(raw string) (Wall, error) {
	var w Wall
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Wall{}, fmt.Errorf("decode wall: %w", err)
	}
	return w, nil
}
