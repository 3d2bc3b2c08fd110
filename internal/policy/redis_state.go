package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the cooling-down bookkeeping kept per identity and class:
// when the last allowed change happened and which band it landed in.
type State struct {
	LastChangeAt time.Time `json:"last_change_at"`
	PrevBand     *int      `json:"prev_band,omitempty"`
}

// RedisStateStore keeps policy state in Redis with a TTL, so stale
// identities age out on their own.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore connects to Redis and verifies the connection.
func NewRedisStateStore(redisURL string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStateStoreWithClient(client), nil
}

// NewRedisStateStoreWithClient creates a store from an existing client.
func NewRedisStateStoreWithClient(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		prefix: "policy:",
		ttl:    24 * time.Hour,
	}
}

func (s *RedisStateStore) key(identityID, classKey string) string {
	return s.prefix + identityID + ":" + classKey
}

// Get returns the stored state, or the zero State when none exists yet.
func (s *RedisStateStore) Get(ctx context.Context, identityID, classKey string) (State, error) {
	raw, err := s.client.Get(ctx, s.key(identityID, classKey)).Result()
	if err == redis.Nil {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("lookup policy state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("unmarshal policy state: %w", err)
	}
	return st, nil
}

// MarkChanged records an allowed change, transitioning the class into its
// cooling-down state. Only allowed changes are recorded: denials must not
// reset hysteresis.
func (s *RedisStateStore) MarkChanged(ctx context.Context, identityID, classKey string, at time.Time, band *int) error {
	raw, err := json.Marshal(State{LastChangeAt: at, PrevBand: band})
	if err != nil {
		return fmt.Errorf("marshal policy state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(identityID, classKey), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save policy state: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
