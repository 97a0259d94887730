package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tradewind/internal/contracts"
)

// StreamBus is a Redis Streams broker. Every topic is a stream; every service
// reads through its own consumer group, so instances of one service compete
// for messages while distinct services each receive a full copy.
type StreamBus struct {
	client   *redis.Client
	consumer string
	maxLen   int64
	block    time.Duration
	subs     []streamSub
}

type streamSub struct {
	topic   string
	group   string
	handler Handler
}

const envelopeField = "envelope"

// StreamBusConfig tunes the broker.
type StreamBusConfig struct {
	// Consumer is this instance's name within its group.
	Consumer string
	// MaxLen caps each stream approximately; 0 means unbounded.
	MaxLen int64
	// Block bounds a single read wait; defaults to 5s.
	Block time.Duration
}

// NewStreamBus constructs a broker over an existing Redis client.
func NewStreamBus(client *redis.Client, cfg StreamBusConfig) *StreamBus {
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "consumer-1"
	}
	return &StreamBus{
		client:   client,
		consumer: consumer,
		maxLen:   cfg.MaxLen,
		block:    block,
	}
}

// Publish appends the envelope to the topic stream.
func (b *StreamBus) Publish(ctx context.Context, topic string, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{envelopeField: string(raw)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

// Subscribe registers the handler; the consumer loop starts when Run is
// called.
func (b *StreamBus) Subscribe(topic, group string, h Handler) error {
	if topic == "" || group == "" {
		return errors.New("topic and group are required")
	}
	b.subs = append(b.subs, streamSub{topic: topic, group: group, handler: h})
	return nil
}

// Run creates the consumer groups and processes messages until ctx ends.
// One goroutine per subscription keeps delivery within a topic strictly
// ordered for this instance.
func (b *StreamBus) Run(ctx context.Context) error {
	for _, sub := range b.subs {
		err := b.client.XGroupCreateMkStream(ctx, sub.topic, sub.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", sub.group, sub.topic, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range b.subs {
		sub := sub
		g.Go(func() error {
			return b.consume(ctx, sub)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *StreamBus) consume(ctx context.Context, sub streamSub) error {
	// Pending entries are re-read before new messages: fully on startup, and
	// again after every quiet block interval, so work interrupted by a crash
	// or left unacked by a failed handler is retried without a restart.
	cursor := "0"
	nextSweep := time.Now().Add(b.block)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cursor == ">" && !time.Now().Before(nextSweep) {
			cursor = "0"
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: b.consumer,
			Streams:  []string{sub.topic, cursor},
			Count:    16,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if cursor != ">" {
					// Pending drained.
					cursor = ">"
					nextSweep = time.Now().Add(b.block)
				}
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("read %s as %s: %w", sub.topic, sub.group, err)
		}

		delivered := false
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered = true
				b.dispatch(ctx, sub, msg)
				if cursor != ">" {
					// Advance past this pending entry so a failing handler
					// cannot pin the pass; the next sweep retries it.
					cursor = msg.ID
				}
			}
		}
		if cursor != ">" && !delivered {
			cursor = ">"
			nextSweep = time.Now().Add(b.block)
		}
	}
}

func (b *StreamBus) dispatch(ctx context.Context, sub streamSub, msg redis.XMessage) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		// Malformed entry; ack so it does not wedge the stream.
		slog.Error("stream message without envelope", "topic", sub.topic, "id", msg.ID)
		b.ack(ctx, sub, msg.ID)
		return
	}

	var env contracts.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Error("undecodable envelope", "topic", sub.topic, "id", msg.ID, "error", err)
		b.ack(ctx, sub, msg.ID)
		return
	}

	if err := sub.handler(ctx, env); err != nil {
		// Left unacked: the next pending sweep retries it.
		slog.Error("handler failed, message left pending",
			"topic", sub.topic, "group", sub.group,
			"message_id", env.MessageID, "error", err)
		return
	}
	b.ack(ctx, sub, msg.ID)
}

func (b *StreamBus) ack(ctx context.Context, sub streamSub, id string) {
	if err := b.client.XAck(ctx, sub.topic, sub.group, id).Err(); err != nil && ctx.Err() == nil {
		slog.Error("ack failed", "topic", sub.topic, "group", sub.group, "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
