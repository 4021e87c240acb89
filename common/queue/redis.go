package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/common/redis"
)

// RedisStreamQueue is a Queue backed by Redis streams with consumer groups.
// Messages are acked only after the handler returns without error, so an
// unacked message stays pending for redelivery.
type RedisStreamQueue struct {
	client   *redis.Client
	group    string
	consumer string
	log      *logger.Logger
}

// NewRedisStreamQueue creates a stream-backed queue. Each instance gets a
// unique consumer name within the group.
func NewRedisStreamQueue(client *redis.Client, group string, log *logger.Logger) *RedisStreamQueue {
	return &RedisStreamQueue{
		client:   client,
		group:    group,
		consumer: fmt.Sprintf("consumer-%s", uuid.NewString()[:8]),
		log:      log,
	}
}

// Publish adds a message to the stream named by topic
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.client.AddToStream(ctx, topic, map[string]interface{}{
		"key":   key,
		"value": string(message),
	})
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group (idempotent) and starts a read loop
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if err := q.client.CreateStreamGroup(ctx, topic, q.group); err != nil {
		return fmt.Errorf("create group for %s: %w", topic, err)
	}

	q.log.Info("subscribing to stream", "stream", topic, "group", q.group, "consumer", q.consumer)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("stream subscription cancelled", "stream", topic)
				return
			default:
			}

			streams, err := q.client.ReadFromStreamGroup(ctx, q.group, q.consumer, topic, 10, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("stream read failed", "stream", topic, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					key, _ := msg.Values["key"].(string)
					value, _ := msg.Values["value"].(string)

					if err := handler(ctx, key, []byte(value)); err != nil {
						q.log.Error("message handler error", "stream", topic, "key", key, "error", err)
						// Leave unacked for redelivery
						continue
					}

					if err := q.client.AckStreamMessage(ctx, topic, q.group, msg.ID); err != nil {
						q.log.Warn("failed to ack message", "stream", topic, "id", msg.ID, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Close is a no-op; the underlying redis client is shared and closed by its owner
func (q *RedisStreamQueue) Close() error {
	return nil
}
