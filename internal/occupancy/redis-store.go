package occupancy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
)

const redisTimeout = 5 * time.Second

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &RedisStore{client: client}
}

func (s *RedisStore) Layer(sceneID, layer string) Index {
	return &RedisIndex{client: s.client, key: layerKey(sceneID, layer) + ":occupants"}
}

// RedisIndex keeps one hash per layer: field = occupant id, value = JSON occupant.
// Overlap queries scan the hash; layers hold at most a few hundred occupants.
type RedisIndex struct {
	client *redis.Client
	key    string
}

var placeScript = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local val = ARGV[2]

if redis.call("HEXISTS", key, field) == 1 then
  return 0
end

redis.call("HSET", key, field, val)
return 1
`)

var moveScript = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local val = ARGV[2]

if redis.call("HEXISTS", key, field) == 0 then
  return 0
end

redis.call("HSET", key, field, val)
return 1
`)

func (s *RedisIndex) Place(o Occupant) error {
	if o.ID == "" {
		return ErrMissingID
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	val, err := json.Marshal(o)
	if err != nil {
		return err
	}

	res, err := placeScript.Run(ctx, s.client, []string{s.key}, o.ID, string(val)).Int()
	if err != nil {
		return fmt.Errorf("place %s: %w", o.ID, err)
	}
	if res == 0 {
		return ErrOccupantExists
	}
	return nil
}

func (s *RedisIndex) Get(id string) (Occupant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if err == redis.Nil {
		return Occupant{}, ErrOccupantNotFound
	}
	if err != nil {
		return Occupant{}, err
	}

	var o Occupant
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Occupant{}, fmt.Errorf("decode occupant %s: %w", id, err)
	}
	return o, nil
}

func (s *RedisIndex) Move(id string, bounds grid.Rect) error {
	o, err := s.Get(id)
	if err != nil {
		return err
	}
	o.Bounds = bounds

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	val, err := json.Marshal(o)
	if err != nil {
		return err
	}

	res, err := moveScript.Run(ctx, s.client, []string{s.key}, id, string(val)).Int()
	if err != nil {
		return fmt.Errorf("move %s: %w", id, err)
	}
	if res == 0 {
		return ErrOccupantNotFound
	}
	return nil
}

func (s *RedisIndex) Remove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOccupantNotFound
	}
	return nil
}

func (s *RedisIndex) List() ([]Occupant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Occupant, 0, len(entries))
	for id, raw := range entries {
		var o Occupant
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode occupant %s: %w", id, err)
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisIndex) Overlapping(r grid.Rect) ([]string, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	var hits []string
	for _, o := range all {
		if o.Bounds.Overlaps(r) {
			hits = append(hits, o.ID)
		}
	}
	return hits, nil
}
