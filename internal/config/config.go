package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/permissions"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Addr      string             `yaml:"addr"`
	Store     string             `yaml:"store"`
	Redis     RedisConfig        `yaml:"redis"`
	LogLevel  string             `yaml:"log_level"`
	LogFormat string             `yaml:"log_format"`
	Settings  map[string]any     `yaml:"settings,omitempty"`
	Users     []permissions.User `yaml:"users"`
	Scenes    []SceneSpec        `yaml:"scenes,omitempty"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// SceneSpec describes a scene created at startup.
type SceneSpec struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Grid     string  `yaml:"grid"`
	GridSize float64 `yaml:"grid_size"`
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:  ":8080",
		Store: StoreMemory,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "placement",
		},
		LogLevel:  "info",
		LogFormat: "text",
		Users: []permissions.User{
			{ID: "gm", Name: "Gamemaster", Role: permissions.RoleGM},
		},
	}
}

func (c *Config) applyEnv() {
	c.Addr = getenv("ADDR", c.Addr)
	c.Store = getenv("STORE", c.Store)
	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) Normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	for i := range c.Scenes {
		if c.Scenes[i].Grid == "" {
			c.Scenes[i].Grid = grid.KindSquare
		}
		if c.Scenes[i].GridSize == 0 {
			c.Scenes[i].GridSize = 100
		}
	}
}

func (c Config) Validate() error {
	if c.Store != StoreMemory && c.Store != StoreRedis {
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Store)
	}
	if c.Store == StoreRedis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr required", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("%w: user without id", ErrInvalid)
		}
		if seen[u.ID] {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalid, u.ID)
		}
		seen[u.ID] = true
	}

	ids := make(map[string]bool, len(c.Scenes))
	for _, s := range c.Scenes {
		if s.ID != "" && ids[s.ID] {
			return fmt.Errorf("%w: duplicate scene %q", ErrInvalid, s.ID)
		}
		ids[s.ID] = true
		if _, err := grid.New(s.Grid, s.GridSize); err != nil {
			return fmt.Errorf("%w: scene %q: %v", ErrInvalid, s.ID, err)
		}
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
