package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// StreamName returns the bus stream carrying the given event type.
// Each event type gets its own stream so consumers can subscribe per type.
func StreamName(eventType string) string {
	return "events:" + eventType
}

// EventBus publishes and consumes events over Redis Streams, one stream
// per event type, with a shared consumer group.
type EventBus struct {
	client           *redis.Client
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewEventBus creates a bus client and verifies connectivity
func NewEventBus(cfg configs.RedisConfig) (*EventBus, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	bus := &EventBus{
		client:           client,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.DeadLetterStream,
		maxRetries:       cfg.MaxRetries,
	}

	log.Info().Msg("Redis event bus initialized")
	return bus, nil
}

// EnsureGroups creates the consumer group on each event-type stream.
// MKSTREAM creates the stream if it doesn't exist yet.
func (b *EventBus) EnsureGroups(ctx context.Context, eventTypes []string) error {
	for _, et := range eventTypes {
		err := b.client.XGroupCreateMkStream(ctx, StreamName(et), b.consumerGroup, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("failed to create group on %s: %w", StreamName(et), err)
		}
	}
	return nil
}

// Publish appends an event to the stream for its type
func (b *EventBus) Publish(ctx context.Context, event *models.Event) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(event.EventType),
		Values: map[string]interface{}{
			"data":     string(eventJSON),
			"event_id": event.ID.String(),
			"org_id":   event.OrgID,
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Msg("Event published to stream")

	return msgID, nil
}

// StreamMessage represents a message read from one of the bus streams
type StreamMessage struct {
	Stream string
	ID     string
	Event  *models.Event
}

// Consume reads new messages from the given event-type streams. Abandoned
// pending messages are claimed first so a crashed consumer's work is not lost.
func (b *EventBus) Consume(ctx context.Context, consumerName string, eventTypes []string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	claimed, err := b.claimPendingMessages(ctx, consumerName, eventTypes, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams := make([]string, 0, len(eventTypes)*2)
	for _, et := range eventTypes {
		streams = append(streams, StreamName(et))
	}
	for range eventTypes {
		streams = append(streams, ">")
	}

	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.consumerGroup,
		Consumer: consumerName,
		Streams:  streams,
		Count:    count,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from streams: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range result {
		for _, msg := range stream.Messages {
			event, err := parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Str("stream", stream.Stream).Msg("Failed to parse message")
				continue
			}
			messages = append(messages, StreamMessage{Stream: stream.Stream, ID: msg.ID, Event: event})
		}
	}

	return messages, nil
}

// claimPendingMessages claims messages idle for more than 30 seconds
func (b *EventBus) claimPendingMessages(ctx context.Context, consumerName string, eventTypes []string, count int64) ([]StreamMessage, error) {
	minIdleTime := 30 * time.Second

	var messages []StreamMessage
	for _, et := range eventTypes {
		stream := StreamName(et)

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  b.consumerGroup,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			return nil, err
		}

		var messageIDs []string
		for _, p := range pending {
			if p.Idle >= minIdleTime {
				messageIDs = append(messageIDs, p.ID)
			}
		}
		if len(messageIDs) == 0 {
			continue
		}

		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    b.consumerGroup,
			Consumer: consumerName,
			MinIdle:  minIdleTime,
			Messages: messageIDs,
		}).Result()
		if err != nil {
			return nil, err
		}

		for _, msg := range claimed {
			event, err := parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed message")
				continue
			}
			messages = append(messages, StreamMessage{Stream: stream, ID: msg.ID, Event: event})
		}
	}

	return messages, nil
}

func parseMessage(msg redis.XMessage) (*models.Event, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// Acknowledge marks a message on a stream as processed
func (b *EventBus) Acknowledge(ctx context.Context, stream, messageID string) error {
	if _, err := b.client.XAck(ctx, stream, b.consumerGroup, messageID).Result(); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	return nil
}

// AcknowledgeBatch acknowledges a set of messages grouped by stream
func (b *EventBus) AcknowledgeBatch(ctx context.Context, byStream map[string][]string) error {
	for stream, ids := range byStream {
		if len(ids) == 0 {
			continue
		}
		if _, err := b.client.XAck(ctx, stream, b.consumerGroup, ids...).Result(); err != nil {
			return fmt.Errorf("failed to acknowledge messages on %s: %w", stream, err)
		}
	}
	return nil
}

// SendToDeadLetter parks a poison message on the dead letter stream
func (b *EventBus) SendToDeadLetter(ctx context.Context, event *models.Event, cause error) error {
	eventJSON, _ := json.Marshal(event)

	_, dlqErr := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()

	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("event_id", event.ID.String()).
		Err(cause).
		Msg("Message sent to dead letter stream")

	return nil
}

// StreamInfo contains per-stream statistics
type StreamInfo struct {
	Stream       string `json:"stream"`
	Length       int64  `json:"length"`
	PendingCount int64  `json:"pending_count"`
}

// GetStreamInfo returns length and pending count for each event-type stream
func (b *EventBus) GetStreamInfo(ctx context.Context, eventTypes []string) ([]StreamInfo, error) {
	infos := make([]StreamInfo, 0, len(eventTypes))
	for _, et := range eventTypes {
		stream := StreamName(et)

		info, err := b.client.XInfoStream(ctx, stream).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to get stream info for %s: %w", stream, err)
		}

		var pendingCount int64
		if pending, err := b.client.XPending(ctx, stream, b.consumerGroup).Result(); err == nil {
			pendingCount = pending.Count
		}

		infos = append(infos, StreamInfo{Stream: stream, Length: info.Length, PendingCount: pendingCount})
	}
	return infos, nil
}

// MaxRetries exposes the configured redelivery limit
func (b *EventBus) MaxRetries() int {
	return b.maxRetries
}

// Ping checks bus connectivity, used by health endpoints
func (b *EventBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (b *EventBus) Close() error {
	return b.client.Close()
}

// CacheClient provides caching operations over the same Redis deployment,
// used for recent-decision snapshots and analytics aggregates.
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient creates a new cache client (dedicated connection)
func NewCacheClient(cfg configs.RedisConfig) (*CacheClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{client: client}, nil
}

// Set sets a value in the cache
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from the cache
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes keys from the cache
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// SetNX sets a value only if it doesn't exist (for distributed locking)
func (c *CacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// LPush pushes a value to the left of a list
func (c *CacheClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.client.LPush(ctx, key, values...).Err()
}

// LTrim trims a list to the specified range
func (c *CacheClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.client.LTrim(ctx, key, start, stop).Err()
}

// LRange gets a range of elements from a list
func (c *CacheClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

// HIncrBy increments a hash field by a given amount
func (c *CacheClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.client.HIncrBy(ctx, key, field, incr).Result()
}

// HGetAll gets all fields from a hash
func (c *CacheClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

// Close closes the cache client
func (c *CacheClient) Close() error {
	return c.client.Close()
}
