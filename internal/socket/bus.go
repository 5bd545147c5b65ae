package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ManadaHerath/token-placement-server/internal/logger"
)

// Bus carries messages between everyone connected to a scene, possibly across
// several server processes.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(ctx context.Context, scene string) (*Subscription, error)
}

// Subscription delivers the messages of one scene until closed.
type Subscription struct {
	C    <-chan Message
	once sync.Once
	stop func()
}

func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

const subscriberBuffer = 64

// MemBus is an in-process Bus. Slow subscribers drop messages rather than
// block publishers.
type MemBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
}

func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string]map[int]chan Message)}
}

func (b *MemBus) Publish(_ context.Context, m Message) error {
	if err := m.stamp(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[m.Scene] {
		select {
		case ch <- m:
		default:
			logger.Log.WithField("scene", m.Scene).Warn("subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (b *MemBus) Subscribe(ctx context.Context, scene string) (*Subscription, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[scene] == nil {
		b.subs[scene] = make(map[int]chan Message)
	}
	b.subs[scene][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	sub := &Subscription{C: ch}
	sub.stop = func() {
		close(done)
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[scene], id)
		if len(b.subs[scene]) == 0 {
			delete(b.subs, scene)
		}
		close(ch)
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()
	return sub, nil
}

// RedisBus relays messages through redis pub/sub so that every server
// instance sees every scene event.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func channelName(scene string) string {
	return "scene:" + scene + ":events"
}

func (b *RedisBus) Publish(ctx context.Context, m Message) error {
	if err := m.stamp(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channelName(m.Scene), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", m.Type, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, scene string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channelName(scene))
	// Wait for the confirmation so nothing published after we return is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scene, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, subscriberBuffer)
	in := ps.Channel()
	log := logger.Log.WithField("scene", scene)

	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
					log.WithError(err).Warn("dropping undecodable message")
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{C: out, stop: cancel}, nil
}
