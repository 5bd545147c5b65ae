package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ManadaHerath/token-placement-server/internal/logger"
)

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrDuplicate      = errors.New("setting already registered")
	ErrInvalidValue   = errors.New("invalid setting value")
)

type Scope string

const (
	// ScopeWorld values are shared by every client and persisted.
	ScopeWorld Scope = "world"
	// ScopeClient values only live for the lifetime of the process.
	ScopeClient Scope = "client"
)

// Setting describes one registered key. The type of Default fixes the type of
// every value later stored under Key.
type Setting struct {
	Key         string `json:"key"`
	Scope       Scope  `json:"scope"`
	Default     any    `json:"default"`
	Description string `json:"description,omitempty"`
	// Validate, when set, runs on every coerced value before it is stored.
	Validate func(any) error `json:"-"`
}

// Entry is a setting together with its current value.
type Entry struct {
	Setting
	Value any `json:"value"`
}

// Store persists world-scope values as JSON strings.
type Store interface {
	Load() (map[string]string, error)
	Save(key, raw string) error
}

type Registry struct {
	mu       sync.RWMutex
	store    Store
	settings map[string]Setting
	values   map[string]any
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store:    store,
		settings: make(map[string]Setting),
		values:   make(map[string]any),
	}
}

func (r *Registry) Register(s Setting) error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidValue)
	}
	if s.Scope == "" {
		s.Scope = ScopeWorld
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.settings[s.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.Key)
	}
	r.settings[s.Key] = s
	return nil
}

// Load pulls persisted world values from the store. Values that no longer
// match their setting's type are skipped.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	raw, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, encoded := range raw {
		s, ok := r.settings[key]
		if !ok || s.Scope != ScopeWorld {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(encoded), &v); err != nil {
			logger.Log.WithError(err).WithField("key", key).Warn("skipping undecodable setting")
			continue
		}
		coerced, err := coerce(s.Default, v)
		if err == nil && s.Validate != nil {
			err = s.Validate(coerced)
		}
		if err != nil {
			logger.Log.WithError(err).WithField("key", key).Warn("skipping mistyped setting")
			continue
		}
		r.values[key] = coerced
	}
	return nil
}

func (r *Registry) Lookup(key string) (Setting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[key]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return s, nil
}

func (r *Registry) Get(key string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if v, ok := r.values[key]; ok {
		return clone(v), nil
	}
	return clone(s.Default), nil
}

// Set validates v against the setting's type, stores it and, for world
// settings, persists it.
func (r *Registry) Set(key string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	coerced, err := coerce(s.Default, v)
	if err == nil && s.Validate != nil {
		err = s.Validate(coerced)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if s.Scope == ScopeWorld && r.store != nil {
		encoded, err := json.Marshal(coerced)
		if err != nil {
			return err
		}
		if err := r.store.Save(key, string(encoded)); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	r.values[key] = coerced
	return nil
}

func (r *Registry) Bool(key string) (bool, error) {
	v, err := r.Get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a bool", ErrInvalidValue, key)
	}
	return b, nil
}

func (r *Registry) Int(key string) (int, error) {
	v, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not an int", ErrInvalidValue, key)
	}
	return n, nil
}

// All returns every registered setting with its current value, ordered by key.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.settings))
	for key, s := range r.settings {
		v, ok := r.values[key]
		if !ok {
			v = s.Default
		}
		out = append(out, Entry{Setting: s, Value: clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// coerce converts v to the dynamic type of def. JSON and YAML decode numbers
// loosely, so whole floats are accepted for int settings.
func coerce(def, v any) (any, error) {
	switch def.(type) {
	case bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case int:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) && n >= math.MinInt && n < -float64(math.MinInt) {
				return int(n), nil
			}
		}
	case float64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
	case string:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case []string:
		switch l := v.(type) {
		case []string:
			return clone(l), nil
		case []any:
			out := make([]string, 0, len(l))
			for _, item := range l {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%w: list item %v is not a string", ErrInvalidValue, item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("%w: want %T, got %T", ErrInvalidValue, def, v)
}

// clone copies slice values so callers never share backing arrays with the
// registry.
func clone(v any) any {
	if l, ok := v.([]string); ok {
		return append([]string(nil), l...)
	}
	return v
}

func (r *Registry) Strings(key string) ([]string, error) {
	v, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a string list", ErrInvalidValue, key)
	}
	return l, nil
}
