/*
Package events provides an in-memory event broker for pub/sub delivery of
cluster lifecycle events to operator-facing consumers (CLI watchers, an
event-stream API, audit logging).

A single-writer Broker goroutine reads from an internal buffered channel
and fans each Event out to every subscriber's own buffered channel,
dropping on a full subscriber buffer rather than blocking the publisher.
cmd/agent creates the Broker and calls Publish for the lifecycle events
named by the EventType constants (framework added, agent activated, task
reaching a terminal state, operation finished, …).

	pub := broker.Subscribe()
	defer broker.Unsubscribe(pub)
	for ev := range pub {
		...
	}

Publish enqueues onto the broker's internal buffered channel; when that
buffer is full it waits for room, and once the broker has been stopped
the event is dropped. This mirrors the teacher's subscriber model with
event names generalized to the allocator/agent domain.
*/
package events
