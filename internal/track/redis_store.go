// Package track keeps each identity's recent trajectory in Redis as a
// bounded rolling window. Samples age out with the key's TTL; nothing is
// persisted long-term.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vibefield/api/internal/geo"
)

// Sample is one timestamped position, optionally with the energy reading
// attached to it.
type Sample struct {
	Lat    float64  `json:"lat"`
	Lng    float64  `json:"lng"`
	T      int64    `json:"t"` // unix seconds
	Energy *float64 `json:"energy,omitempty"`
}

// Point returns the sample's position.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// Time returns the sample's timestamp.
func (s Sample) Time() time.Time {
	return time.Unix(s.T, 0).UTC()
}

// RedisStore holds rolling trajectory windows keyed by identity.
type RedisStore struct {
	client *redis.Client
	prefix string

	// maxSamples bounds the window length; window bounds its age.
	maxSamples int64
	window     time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "traj:",
		maxSamples: 24,
		window:     30 * time.Minute,
	}
}

func (s *RedisStore) key(identityID string) string {
	return s.prefix + identityID
}

// Append pushes a sample onto the identity's window, trimming to the
// bounded length and refreshing the key TTL.
func (s *RedisStore) Append(ctx context.Context, identityID string, sample Sample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	key := s.key(identityID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, s.maxSamples-1)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

// Recent returns up to limit samples for the identity, oldest first.
// Missing identities return an empty slice, not an error.
func (s *RedisStore) Recent(ctx context.Context, identityID string, limit int) ([]Sample, error) {
	if limit <= 0 || int64(limit) > s.maxSamples {
		limit = int(s.maxSamples)
	}

	raws, err := s.client.LRange(ctx, s.key(identityID), 0, int64(limit-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trajectory: %w", err)
	}

	// LPUSH stores newest first; reverse into chronological order.
	out := make([]Sample, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var sample Sample
		if err := json.Unmarshal([]byte(raws[i]), &sample); err != nil {
			return nil, fmt.Errorf("unmarshal sample: %w", err)
		}
		out = append(out, sample)
	}
	return out, nil
}

// Head returns the identity's latest sample, or ok=false when the window
// is empty.
func (s *RedisStore) Head(ctx context.Context, identityID string) (Sample, bool, error) {
	raw, err := s.client.LIndex(ctx, s.key(identityID), 0).Result()
	if err == redis.Nil {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, fmt.Errorf("read trajectory head: %w", err)
	}

	var sample Sample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return Sample{}, false, fmt.Errorf("unmarshal head: %w", err)
	}
	return sample, true, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
