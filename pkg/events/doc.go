/*
Package events provides the pub/sub broker for Hive's lifecycle events.

Every session, kernel and agent state change is published as a Message
on a topic. Subscribers see messages for one key (a session id, an
agent id) in the order they were published, tagged with a per-key
sequence number, so a consumer can detect gaps and reorder nothing.

# Topics

  - session.status: session lifecycle transitions, keyed by session id
  - kernel.status:  kernel lifecycle transitions, keyed by kernel id
  - agent.status:   agent liveness and drain changes, keyed by agent id
  - scheduler.tick: per-group scheduling cycle summaries

# Delivery

Publish assigns the next sequence number for (topic, key) and hands the
message to the broadcast loop. Delivery to subscribers is best effort:
each subscriber owns a buffered channel and a slow subscriber drops
messages rather than stalling the publisher. The sequence number is the
subscriber's tool for noticing the drop; the store remains the source
of truth, events are a change notification.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.TopicSessionStatus)
	defer broker.Unsubscribe(sub)

	go func() {
		for msg := range sub {
			fmt.Printf("%s %s seq=%d\n", msg.Topic, msg.Key, msg.Seq)
		}
	}()

# Cross-replica fan-out

A single broker is process-local. When a redis address is configured,
RedisBus mirrors each topic onto a redis stream (hive:events:<topic>)
and replays remote entries into the local broker, skipping entries this
node published itself. Followers thus stream the same events as the
leader without proxying watch calls.
*/
package events
