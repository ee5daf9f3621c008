// Package redisbroker is a Redis Streams implementation of broker.Broker
// for deployments running more than one API instance.
package redisbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/broker"
)

// Broker stores each room's events in one Redis stream. Stream IDs give
// the per-room ordering guarantee.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains construction options.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every stream key. Defaults to "caseflow:room:".
	KeyPrefix string
}

func New(cfg Config) *Broker {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "caseflow:room:"
	}
	return &Broker{client: cfg.Client, keyPrefix: prefix}
}

func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) Publish(ctx context.Context, room string, data []byte) (string, error) {
	key := b.streamKey(room)

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisbroker: publish to %s: %w", key, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, room string, lastID string, h broker.Handler) error {
	key := b.streamKey(room)

	startID := "$"
	if lastID != "" {
		startID = lastID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redisbroker: read %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID

				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := h(ctx, broker.Envelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, room string) error {
	if err := b.client.Del(ctx, b.streamKey(room)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redisbroker: cleanup %s: %w", room, err)
	}
	return nil
}

func (b *Broker) streamKey(room string) string {
	return b.keyPrefix + "stream:" + room
}
