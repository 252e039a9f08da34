// Package queue provides the work item queues the dispatcher feeds
// and the worker drains. Three topics exist: realtime, background and
// failed. Claimed items stay invisible to other claimants until they
// are deleted (done) or released (retry).
package queue

import (
	"context"

	"github.com/esmero/strawberry-runners-sub000/types"
)

// Topics
const (
	TopicRealtime   = "realtime"
	TopicBackground = "background"
	TopicFailed     = "failed"
	TopicMaster     = "master" // asset ids awaiting a scheduler pass
)

// TopicFor maps a queue class to its topic
func TopicFor(qc types.QueueClass) string {
	if qc == types.QueueRealtime {
		return TopicRealtime
	}
	return TopicBackground
}

// Item is a claimed queue entry. The handle binds deletion and release
// back to the underlying delivery.
type Item struct {
	ID     string
	Topic  string
	Work   types.WorkItem
	handle Handle
}

// Handle is the backend specific acknowledgement surface
type Handle interface {
	Ack() error // remove from the queue
	Nak() error // make claimable again
}

// NewItem builds a claimed item. Backends call this; tests may too.
func NewItem(id, topic string, work types.WorkItem, handle Handle) *Item {
	return &Item{ID: id, Topic: topic, Work: work, handle: handle}
}

// Queue is the work queue contract. Claim returns (nil, nil) when the
// topic is currently empty.
type Queue interface {
	// Create enqueues a work item on the topic and returns its queue id
	Create(ctx context.Context, topic string, work types.WorkItem) (string, error)

	// Claim takes the next available item, making it invisible to
	// other claimants until Delete or Release.
	Claim(ctx context.Context, topic string) (*Item, error)

	// Release returns a claimed item to the queue for another attempt
	Release(ctx context.Context, item *Item) error

	// Delete removes a claimed item permanently
	Delete(ctx context.Context, item *Item) error

	// Count reports how many items are waiting on the topic
	Count(ctx context.Context, topic string) (int, error)
}
