// Package bus implements the MessageBus component: durable, ordered,
// at-least-once stream channels with consumer groups, plus lossy
// broadcast channels, on top of Redis Streams and Redis Pub/Sub. A
// go-redis client wrapped with retry and structured logging backs both
// the request streams and the dead-letter queue.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
)

const (
	// DefaultVisibilityTimeout is the interval after which a claimed but
	// unacknowledged stream message is redelivered.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultMaxDeliveries is the delivery count after which a message is
	// routed to its channel's dead-letter queue.
	DefaultMaxDeliveries = 5

	dlqKeyPrefix = "maice:dlq:"
)

// Delivery is one message claimed off a stream channel by a consumer.
type Delivery struct {
	Channel       string
	Group         string
	MessageID     string
	Payload       []byte
	DeliveryCount int64
}

// DeadLetter records a message that exceeded its channel's retry budget.
type DeadLetter struct {
	Channel       string    `json:"channel"`
	MessageID     string    `json:"message_id"`
	Payload       []byte    `json:"payload"`
	DeliveryCount int64     `json:"delivery_count"`
	Cause         string    `json:"cause"`
	FailedAt      time.Time `json:"failed_at"`
}

// Config tunes the bus's retry and retention behavior.
type Config struct {
	VisibilityTimeout time.Duration
	MaxDeliveries     int64
	ClaimInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: DefaultVisibilityTimeout,
		MaxDeliveries:     DefaultMaxDeliveries,
		ClaimInterval:     5 * time.Second,
	}
}

// Bus is the MessageBus implementation backed by a single Redis client.
// Stream channels map directly to Redis Streams; broadcast channels map
// to Redis Pub/Sub.
type Bus struct {
	rdb    *redis.Client
	cfg    Config
	logger *logging.Logger
}

// New wraps an existing go-redis client as a Bus.
func New(rdb *redis.Client, cfg Config) *Bus {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 5 * time.Second
	}
	return &Bus{rdb: rdb, cfg: cfg, logger: logging.GetLogger("bus")}
}

// Publish durably appends payload to channel, returning the stream's
// assigned message id.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: channel,
		Values: map[string]interface{}{"payload": payload},
	}).Result()
	if err != nil {
		return "", merr.NewTransient("bus.Publish", err).WithResource(channel)
	}
	return id, nil
}

// Broadcast publishes a lossy fan-out event; subscribers not currently
// listening simply never see it.
func (b *Bus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return merr.NewTransient("bus.Broadcast", err).WithResource(topic)
	}
	return nil
}

// SubscribeBroadcast returns a channel of raw payloads received on topic.
// The returned cancel func must be called to release the underlying
// Redis Pub/Sub connection.
func (b *Bus) SubscribeBroadcast(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, merr.NewTransient("bus.SubscribeBroadcast", err).WithResource(topic)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// Slow subscriber — drop rather than block the fan-out.
				}
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }, nil
}

// ensureGroup creates the consumer group at the stream's start if it
// doesn't already exist, auto-creating the stream itself (MKSTREAM).
func (b *Bus) ensureGroup(ctx context.Context, channel, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, channel, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Subscribe joins group on channel as consumer and returns a channel of
// Delivery values. Deliveries carry their observed delivery count; the
// caller is expected to Ack each one. A background loop periodically
// claims idle pending messages (XAutoClaim) so entries whose original
// consumer died are redelivered to a live one.
func (b *Bus) Subscribe(ctx context.Context, channel, group, consumer string) (<-chan Delivery, error) {
	if err := b.ensureGroup(ctx, channel, group); err != nil {
		return nil, merr.NewTransient("bus.Subscribe", err).WithResource(channel)
	}

	out := make(chan Delivery, 32)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.readLoop(ctx, channel, group, consumer, out) }()
	go func() { defer wg.Done(); b.claimLoop(ctx, channel, group, consumer, out) }()
	go func() { wg.Wait(); close(out) }()
	return out, nil
}

func (b *Bus) readLoop(ctx context.Context, channel, group, consumer string, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{channel, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.WithError(err).WithField("channel", channel).Warn("bus: read group failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.emit(ctx, channel, group, consumer, msg, out)
			}
		}
	}
}

func (b *Bus) emit(ctx context.Context, channel, group, consumer string, msg redis.XMessage, out chan<- Delivery) {
	payload, _ := msg.Values["payload"].(string)
	count := b.deliveryCount(ctx, channel, group, msg.ID)

	if count > b.cfg.MaxDeliveries {
		b.deadLetter(ctx, channel, msg.ID, []byte(payload), count, "max_deliveries_exceeded")
		_ = b.rdb.XAck(ctx, channel, group, msg.ID).Err()
		return
	}

	select {
	case out <- Delivery{Channel: channel, Group: group, MessageID: msg.ID, Payload: []byte(payload), DeliveryCount: count}:
	case <-ctx.Done():
	}
}

func (b *Bus) deliveryCount(ctx context.Context, channel, group, id string) int64 {
	ext, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: channel, Group: group, Start: id, End: id, Count: 1,
	}).Result()
	if err != nil || len(ext) == 0 {
		return 1
	}
	return ext[0].RetryCount
}

// claimLoop periodically claims stream entries that have been pending
// longer than VisibilityTimeout, handing them back into the read path by
// re-delivering via the same emit logic on the next XAutoClaim cursor.
func (b *Bus) claimLoop(ctx context.Context, channel, group, consumer string, out chan<- Delivery) {
	ticker := time.NewTicker(b.cfg.ClaimInterval)
	defer ticker.Stop()
	cursor := "0"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   channel,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.cfg.VisibilityTimeout,
			Start:    cursor,
			Count:    16,
		}).Result()
		if err != nil {
			continue
		}
		cursor = next
		for _, msg := range messages {
			b.emit(ctx, channel, group, consumer, msg, out)
		}
	}
}

// Ack acknowledges successful processing of a delivered message.
func (b *Bus) Ack(ctx context.Context, channel, group, messageID string) error {
	if err := b.rdb.XAck(ctx, channel, group, messageID).Err(); err != nil {
		return merr.NewTransient("bus.Ack", err).WithResource(channel)
	}
	return nil
}

// Trim bounds a channel's persisted log to approximately maxEntries, used
// for per-session stream hygiene.
func (b *Bus) Trim(ctx context.Context, channel string, maxEntries int64) error {
	if err := b.rdb.XTrimMaxLenApprox(ctx, channel, maxEntries, 100).Err(); err != nil {
		return merr.NewTransient("bus.Trim", err).WithResource(channel)
	}
	return nil
}

func (b *Bus) deadLetter(ctx context.Context, channel, messageID string, payload []byte, deliveryCount int64, cause string) {
	dl := DeadLetter{
		Channel:       channel,
		MessageID:     messageID,
		Payload:       payload,
		DeliveryCount: deliveryCount,
		Cause:         cause,
		FailedAt:      time.Now(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		b.logger.WithError(err).Error("bus: failed to marshal dead letter")
		return
	}

	entryKey := dlqKeyPrefix + channel + ":" + messageID
	listKey := dlqKeyPrefix + channel

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, entryKey, data, 7*24*time.Hour)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(dl.FailedAt.Unix()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.WithError(err).WithField("channel", channel).Error("bus: failed to persist dead letter")
	}
}

// DeadLetters lists up to limit dead-lettered messages for channel,
// most recent first.
func (b *Bus) DeadLetters(ctx context.Context, channel string, limit int64) ([]DeadLetter, error) {
	listKey := dlqKeyPrefix + channel
	ids, err := b.rdb.ZRevRange(ctx, listKey, 0, limit-1).Result()
	if err != nil {
		return nil, merr.NewTransient("bus.DeadLetters", err).WithResource(channel)
	}

	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		raw, err := b.rdb.Get(ctx, dlqKeyPrefix+channel+":"+id).Bytes()
		if err != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterCount returns the number of entries currently dead-lettered
// for channel.
func (b *Bus) DeadLetterCount(ctx context.Context, channel string) (int64, error) {
	n, err := b.rdb.ZCard(ctx, dlqKeyPrefix+channel).Result()
	if err != nil {
		return 0, merr.NewTransient("bus.DeadLetterCount", err).WithResource(channel)
	}
	return n, nil
}

// Tail reads channel from fromID onward without a consumer group — used
// by StreamingPipeline, which owns a per-session response stream for the
// duration of exactly one request and has no need for redelivery
// bookkeeping on a channel nothing else reads.
func (b *Bus) Tail(ctx context.Context, channel, fromID string) (<-chan redis.XMessage, error) {
	out := make(chan redis.XMessage, 32)
	go func() {
		defer close(out)
		cursor := fromID
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{channel, cursor},
				Count:   16,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				b.logger.WithError(err).WithField("channel", channel).Warn("bus: tail read failed, backing off")
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}

			for _, stream := range res {
				for _, msg := range stream.Messages {
					cursor = msg.ID
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// RequestChannel returns the wire-level request-stream name for an agent:
// maice:requests:<agent_name>.
func RequestChannel(agent string) string {
	return "maice:requests:" + agent
}

// SessionResponseChannel returns the wire-level per-session response
// stream name: maice:agent_to_backend_stream_session_<id>.
func SessionResponseChannel(sessionID int64) string {
	return "maice:agent_to_backend_stream_session_" + strconv.FormatInt(sessionID, 10)
}

// CoordinationTopic returns the wire-level coordination broadcast name:
// maice:coord:<topic>.
func CoordinationTopic(topic string) string {
	return "maice:coord:" + topic
}
