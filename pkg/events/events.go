package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Topic names the event streams the scheduler and reconcilers consume.
type Topic string

const (
	TopicSessionStatus Topic = "session.status"
	TopicKernelStatus  Topic = "kernel.status"
	TopicAgentStatus   Topic = "agent.status"
	TopicSchedulerTick Topic = "scheduler.tick"
)

// Message is one event. Seq is assigned by the broker and is
// monotonically increasing per Key, so consumers can process in order
// and deduplicate by (Key, Seq).
type Message struct {
	Topic   Topic
	Key     string // session id, kernel id, agent id, or resource group
	Seq     uint64
	Source  string
	Payload json.RawMessage
	At      time.Time
}

// Subscriber is a channel that receives messages.
type Subscriber chan *Message

// Broker manages event subscriptions and per-key ordered distribution.
type Broker struct {
	subscribers map[Subscriber][]Topic
	seqs        map[string]uint64 // per-key sequence counters
	mu          sync.RWMutex
	eventCh     chan *Message
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]Topic),
		seqs:        make(map[string]uint64),
		eventCh:     make(chan *Message, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription for the given topics (all topics if
// none are named) and returns its channel.
func (b *Broker) Subscribe(topics ...Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = topics
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish assigns the message's per-key sequence number and queues it
// for delivery. The assigned seq is returned so write APIs can hand it
// to callers for subscription.
func (b *Broker) Publish(msg *Message) uint64 {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	b.mu.Lock()
	key := string(msg.Topic) + "/" + msg.Key
	b.seqs[key]++
	msg.Seq = b.seqs[key]
	b.mu.Unlock()

	select {
	case b.eventCh <- msg:
	case <-b.stopCh:
	}
	return msg.Seq
}

// Deliver injects an externally sequenced message (e.g. mirrored from
// another replica) without assigning a new seq.
func (b *Broker) Deliver(msg *Message) {
	select {
	case b.eventCh <- msg:
	case <-b.stopCh:
	}
}

// run dispatches from a single goroutine, so per-key publish order is
// delivery order.
func (b *Broker) run() {
	for {
		select {
		case msg := <-b.eventCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, topics := range b.subscribers {
		if !topicMatch(topics, msg.Topic) {
			continue
		}
		select {
		case sub <- msg:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func topicMatch(topics []Topic, t Topic) bool {
	if len(topics) == 0 {
		return true
	}
	for _, candidate := range topics {
		if candidate == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
