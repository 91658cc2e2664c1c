package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamKey returns the redis stream carrying one topic.
func streamKey(topic Topic) string {
	return fmt.Sprintf("hive:events:%s", topic)
}

// RedisBus mirrors broker publishes to redis streams so other manager
// replicas observe them, and feeds remote messages back into the local
// broker. Messages keep their origin-assigned (key, seq) pair, so
// consumer idempotency is unchanged across replicas.
type RedisBus struct {
	rdb    *redis.Client
	broker *Broker
	source string
	maxLen int64
}

// NewRedisBus wraps a local broker with redis stream fan-out. source
// identifies this replica so it can skip its own mirrored messages.
func NewRedisBus(rdb *redis.Client, broker *Broker, source string) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		broker: broker,
		source: source,
		maxLen: 8192,
	}
}

// Publish publishes locally, then mirrors to the topic stream.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) (uint64, error) {
	msg.Source = b.source
	seq := b.broker.Publish(msg)

	if err := b.mirror(ctx, msg); err != nil {
		return seq, err
	}
	return seq, nil
}

// mirror appends one message to its topic stream. The source field is
// always this replica: locally originated messages carry no source of
// their own.
func (b *RedisBus) mirror(ctx context.Context, msg *Message) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(msg.Topic),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":     msg.Key,
			"seq":     strconv.FormatUint(msg.Seq, 10),
			"source":  b.source,
			"payload": string(msg.Payload),
			"at":      msg.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("mirror event to redis: %w", err)
	}
	return nil
}

// mirrorLocal watches the local broker and mirrors messages the rest of
// the process publishes directly on it. Messages carrying a source were
// either mirrored at publish time or replayed from another replica, so
// forwarding them again would loop.
func (b *RedisBus) mirrorLocal(ctx context.Context, sub Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if msg.Source != "" {
				continue
			}
			// Best-effort fan-out: a redis hiccup drops the mirror copy,
			// local subscribers already have the message.
			_ = b.mirror(ctx, msg)
		}
	}
}

// Run mirrors local broker publishes out and consumes the topic streams
// until ctx is cancelled, delivering messages from other replicas into
// the local broker.
func (b *RedisBus) Run(ctx context.Context, topics ...Topic) error {
	if len(topics) == 0 {
		topics = []Topic{TopicSessionStatus, TopicKernelStatus, TopicAgentStatus, TopicSchedulerTick}
	}

	sub := b.broker.Subscribe(topics...)
	defer b.broker.Unsubscribe(sub)
	go b.mirrorLocal(ctx, sub)

	lastIDs := make(map[Topic]string, len(topics))
	for _, t := range topics {
		lastIDs[t] = "$"
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams := make([]string, 0, len(topics)*2)
		for _, t := range topics {
			streams = append(streams, streamKey(t))
		}
		for _, t := range topics {
			streams = append(streams, lastIDs[t])
		}

		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: streams,
			Block:   time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient redis failure; back off briefly and retry.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, sr := range results {
			topic := topicFromStream(sr.Stream)
			for _, entry := range sr.Messages {
				lastIDs[topic] = entry.ID
				msg, err := messageFromValues(topic, entry.Values)
				if err != nil {
					continue
				}
				if msg.Source == b.source {
					continue // already delivered locally at publish time
				}
				b.broker.Deliver(msg)
			}
		}
	}
}

func topicFromStream(stream string) Topic {
	const prefix = "hive:events:"
	if len(stream) > len(prefix) {
		return Topic(stream[len(prefix):])
	}
	return Topic(stream)
}

func messageFromValues(topic Topic, values map[string]interface{}) (*Message, error) {
	msg := &Message{Topic: topic}
	if v, ok := values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := values["seq"].(string); ok {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, err
		}
		msg.Seq = seq
	}
	if v, ok := values["source"].(string); ok {
		msg.Source = v
	}
	if v, ok := values["payload"].(string); ok {
		msg.Payload = json.RawMessage(v)
	}
	if v, ok := values["at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.At = at
		}
	}
	return msg, nil
}
