package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// MemQueue is an in-memory queue with the same claim semantics as the
// JetStream backend. Used by tests and single-process dry runs.
type MemQueue struct {
	mu      sync.Mutex
	waiting map[string][]*memEntry
	claimed map[string]*memEntry // by entry id
}

type memEntry struct {
	id    string
	topic string
	work  types.WorkItem
}

// NewMemQueue creates an empty in-memory queue
func NewMemQueue() *MemQueue {
	return &MemQueue{
		waiting: make(map[string][]*memEntry),
		claimed: make(map[string]*memEntry),
	}
}

// Create implements Queue
func (q *MemQueue) Create(_ context.Context, topic string, work types.WorkItem) (string, error) {
	if !validTopic(topic) {
		return "", errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"MemQueue", "Create", "topic validation")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &memEntry{id: uuid.NewString(), topic: topic, work: work}
	q.waiting[topic] = append(q.waiting[topic], entry)
	return entry.id, nil
}

// Claim implements Queue
func (q *MemQueue) Claim(_ context.Context, topic string) (*Item, error) {
	if !validTopic(topic) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"MemQueue", "Claim", "topic validation")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.waiting[topic]
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]
	q.waiting[topic] = entries[1:]
	q.claimed[entry.id] = entry

	return NewItem(entry.work.ID, topic, entry.work, &memHandle{q: q, entry: entry}), nil
}

// Release implements Queue
func (q *MemQueue) Release(_ context.Context, item *Item) error {
	if item == nil || item.handle == nil {
		return errors.WrapInvalid(errors.ErrItemNotClaimed, "MemQueue", "Release", "item validation")
	}
	return item.handle.Nak()
}

// Delete implements Queue
func (q *MemQueue) Delete(_ context.Context, item *Item) error {
	if item == nil || item.handle == nil {
		return errors.WrapInvalid(errors.ErrItemNotClaimed, "MemQueue", "Delete", "item validation")
	}
	return item.handle.Ack()
}

// Count implements Queue
func (q *MemQueue) Count(_ context.Context, topic string) (int, error) {
	if !validTopic(topic) {
		return 0, errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"MemQueue", "Count", "topic validation")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting[topic]), nil
}

type memHandle struct {
	q     *MemQueue
	entry *memEntry
}

func (h *memHandle) Ack() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()

	if _, ok := h.q.claimed[h.entry.id]; !ok {
		return errors.ErrItemNotClaimed
	}
	delete(h.q.claimed, h.entry.id)
	return nil
}

func (h *memHandle) Nak() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()

	if _, ok := h.q.claimed[h.entry.id]; !ok {
		return errors.ErrItemNotClaimed
	}
	delete(h.q.claimed, h.entry.id)
	h.q.waiting[h.entry.topic] = append(h.q.waiting[h.entry.topic], h.entry)
	return nil
}
