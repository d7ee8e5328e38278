package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Chaos/internal/domain"
)

// Presence is what the relay publishes about a connected client.
type Presence struct {
	ID      domain.UserID `json:"id"`
	Partner domain.UserID `json:"partner,omitempty"`
	Since   time.Time     `json:"since"`
}

// Directory stores presence for lookups outside the relay process.
// Routing never depends on it.
type Directory interface {
	Put(ctx context.Context, p Presence) error
	Touch(ctx context.Context, id domain.UserID) error
	Delete(ctx context.Context, id domain.UserID) error
	Lookup(ctx context.Context, id domain.UserID) (Presence, bool, error)
}

type MemoryDirectory struct {
	mu    sync.RWMutex
	peers map[domain.UserID]Presence
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{peers: make(map[domain.UserID]Presence)}
}

func (d *MemoryDirectory) Put(_ context.Context, p Presence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.ID] = p
	return nil
}

func (d *MemoryDirectory) Touch(context.Context, domain.UserID) error { return nil }

func (d *MemoryDirectory) Delete(_ context.Context, id domain.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, id domain.UserID) (Presence, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok, nil
}

const redisKeyPrefix = "chaos:peer:"

// RedisDirectory keeps presence in redis with a TTL refreshed by Touch.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// ConnectRedis opens a client and checks it with PING.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisDirectory(client *redis.Client, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, ttl: ttl}
}

func (d *RedisDirectory) key(id domain.UserID) string {
	return redisKeyPrefix + string(id)
}

func (d *RedisDirectory) Put(ctx context.Context, p Presence) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.key(p.ID), b, d.ttl).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", p.ID, err)
	}
	return nil
}

func (d *RedisDirectory) Touch(ctx context.Context, id domain.UserID) error {
	if err := d.client.Expire(ctx, d.key(id), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis touch %s: %w", id, err)
	}
	return nil
}

func (d *RedisDirectory) Delete(ctx context.Context, id domain.UserID) error {
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, id domain.UserID) (Presence, bool, error) {
	b, err := d.client.Get(ctx, d.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{}, false, nil
	}
	if err != nil {
		return Presence{}, false, fmt.Errorf("redis lookup %s: %w", id, err)
	}
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, false, fmt.Errorf("redis lookup %s: %w", id, err)
	}
	return p, true, nil
}
