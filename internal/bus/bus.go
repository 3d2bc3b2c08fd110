// Package bus publishes presence change events over Redis pub/sub. The
// core never talks to any notification transport directly; the dispatch
// collaborator subscribes through StartForwarder.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one accepted presence change. Positions are already redacted
// to the decision's level before reaching the bus. EventID lets
// consumers dedupe across reconnects.
type Event struct {
	EventID    string    `json:"eventId"`
	IdentityID string    `json:"identityId"`
	Vibe       string    `json:"vibe"`
	Visibility string    `json:"visibility"`
	TileID     string    `json:"tileId"`
	Redaction  string    `json:"redaction"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Publisher is what the write path needs; Nop satisfies it when Redis is
// not configured.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisBus is the production publisher plus the subscribe side used by
// the notification dispatch collaborator.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(redisURL, channel string) (*RedisBus, error) {
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

	return NewRedisBusWithClient(client, channel), nil
}

// NewRedisBusWithClient creates a bus from an existing Redis client.
func NewRedisBusWithClient(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "presence-events"
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish sends one event to every subscriber.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// StartForwarder subscribes and invokes onEvent for every received event
// until ctx is cancelled. It returns once the subscription is confirmed.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Printf("bus: bad event payload: %v", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
