package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// SetWithExpiry sets a key with expiration
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key)
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// Expire sets a key's time to live
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := c.redis.Expire(ctx, key, ttl).Err()
	if err != nil {
		c.logger.Error("redis EXPIRE failed", "key", key, "error", err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	c.logger.Debug("redis EXPIRE", "key", key, "ttl", ttl)
	return nil
}

// AddToStream adds a message to a Redis stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id)
	return id, nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// IncrementHash increments a hash field and returns the new value
func (c *Client) IncrementHash(ctx context.Context, key, field string, increment int64) (int64, error) {
	val, err := c.redis.HIncrBy(ctx, key, field, increment).Result()
	if err != nil {
		c.logger.Error("redis HINCRBY failed", "key", key, "field", field, "error", err)
		return 0, fmt.Errorf("failed to increment hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HINCRBY", "key", key, "field", field, "value", val)
	return val, nil
}

// GetHash retrieves a hash field value
func (c *Client) GetHash(ctx context.Context, key, field string) (string, error) {
	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		c.logger.Debug("redis HGET field not found", "key", key, "field", field)
		return "", fmt.Errorf("field not found: %s.%s", key, field)
	}
	if err != nil {
		c.logger.Error("redis HGET failed", "key", key, "field", field, "error", err)
		return "", fmt.Errorf("failed to get hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HGET", "key", key, "field", field)
	return val, nil
}

// SetHash sets a hash field value
func (c *Client) SetHash(ctx context.Context, key, field, value string) error {
	err := c.redis.HSet(ctx, key, field, value).Err()
	if err != nil {
		c.logger.Error("redis HSET failed", "key", key, "field", field, "error", err)
		return fmt.Errorf("failed to set hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HSET", "key", key, "field", field)
	return nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}

// ReadFromStreamGroup reads messages from a stream using consumer groups
func (c *Client) ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XStream, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		// Timeout/no messages - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREADGROUP failed", "stream", stream, "group", group, "error", err)
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	c.logger.Debug("redis XREADGROUP", "stream", stream, "group", group, "message_count", len(streams))
	return streams, nil
}

// AckStreamMessage acknowledges a message in a stream
func (c *Client) AckStreamMessage(ctx context.Context, stream, group, messageID string) error {
	err := c.redis.XAck(ctx, stream, group, messageID).Err()
	if err != nil {
		c.logger.Error("redis XACK failed", "stream", stream, "group", group, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	c.logger.Debug("redis XACK", "stream", stream, "group", group, "message_id", messageID)
	return nil
}

// CreateStreamGroup creates a consumer group for a stream
func (c *Client) CreateStreamGroup(ctx context.Context, stream, group string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.logger.Error("redis XGROUP CREATE failed", "stream", stream, "group", group, "error", err)
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	c.logger.Debug("redis XGROUP CREATE", "stream", stream, "group", group)
	return nil
}

// Pipeline batches multiple Redis operations for better performance
type Pipeline struct {
	pipe   redis.Pipeliner
	client *Client
}

// NewPipeline creates a new pipeline for batching operations
func (c *Client) NewPipeline() *Pipeline {
	return &Pipeline{
		pipe:   c.redis.Pipeline(),
		client: c,
	}
}

// SetWithExpiry queues a SET operation in the pipeline
func (p *Pipeline) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) {
	p.pipe.Set(ctx, key, value, expiry)
}

// SetHash queues an HSET operation in the pipeline
func (p *Pipeline) SetHash(ctx context.Context, key, field, value string) {
	p.pipe.HSet(ctx, key, field, value)
}

// PublishEvent queues a PUBLISH operation in the pipeline
func (p *Pipeline) PublishEvent(ctx context.Context, channel string, message string) {
	p.pipe.Publish(ctx, channel, message)
}

// Exec executes all queued operations in the pipeline
func (p *Pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil {
		p.client.logger.Error("redis pipeline exec failed", "error", err)
		return fmt.Errorf("failed to execute pipeline: %w", err)
	}
	p.client.logger.Debug("redis pipeline executed successfully")
	return nil
}
