package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManadaHerath/token-placement-server/internal/walls"
)

const redisTimeout = 5 * time.Second

// Catalog persists scene metadata and hands out each scene's wall store.
type Catalog interface {
	// Add fails with ErrSceneExists when the id is taken.
	Add(m Meta) error
	Get(id string) (Meta, error)
	List() ([]Meta, error)
	Walls(sceneID string) walls.Store
}

type MemCatalog struct {
	mu    sync.Mutex
	metas map[string]Meta
	walls map[string]*walls.Set
}

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{
		metas: make(map[string]Meta),
		walls: make(map[string]*walls.Set),
	}
}

func (c *MemCatalog) Add(m Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.metas[m.ID]; ok {
		return ErrSceneExists
	}
	c.metas[m.ID] = m
	return nil
}

func (c *MemCatalog) Get(id string) (Meta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metas[id]
	if !ok {
		return Meta{}, ErrSceneNotFound
	}
	return m, nil
}

func (c *MemCatalog) List() ([]Meta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Meta, 0, len(c.metas))
	for _, m := range c.metas {
		out = append(out, m)
	}
	sortMetas(out)
	return out, nil
}

func (c *MemCatalog) Walls(sceneID string) walls.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.walls[sceneID]
	if !ok {
		s = walls.NewSet()
		c.walls[sceneID] = s
	}
	return s
}

// RedisCatalog stores each scene under scene:<id>:meta and keeps the set of
// known ids in "scenes".
type RedisCatalog struct {
	client *redis.Client
}

func NewRedisCatalog(client *redis.Client) *RedisCatalog {
	return &RedisCatalog{client: client}
}

const scenesKey = "scenes"

func metaKey(sceneID string) string {
	return "scene:" + sceneID + ":meta"
}

var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end

redis.call("HSET", KEYS[1], "data", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

func (c *RedisCatalog) Add(m Meta) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	res, err := addScript.Run(ctx, c.client, []string{metaKey(m.ID), scenesKey}, m.ID, string(val)).Int()
	if err != nil {
		return fmt.Errorf("add scene %s: %w", m.ID, err)
	}
	if res == 0 {
		return ErrSceneExists
	}
	return nil
}

func (c *RedisCatalog) Get(id string) (Meta, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := c.client.HGet(ctx, metaKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return Meta{}, ErrSceneNotFound
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Meta{}, fmt.Errorf("invalid scene meta %s: %w", id, err)
	}
	return m, nil
}

func (c *RedisCatalog) List() ([]Meta, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	ids, err := c.client.SMembers(ctx, scenesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(ids))
	for _, id := range ids {
		m, err := c.Get(id)
		if errors.Is(err, ErrSceneNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortMetas(out)
	return out, nil
}

func (c *RedisCatalog) Walls(sceneID string) walls.Store {
	return walls.NewRedisStore(c.client, sceneID)
}

func sortMetas(ms []Meta) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}
