package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/natsclient"
	"github.com/esmero/strawberry-runners-sub000/types"
)

const (
	streamName    = "SBR_WORK"
	subjectPrefix = "sbr.work."
)

// JetStreamQueue keeps work items in a JetStream work-queue stream,
// one filtered durable consumer per topic. Claim maps to a single
// message fetch; Release to a negative acknowledgement; Delete to an
// acknowledgement.
type JetStreamQueue struct {
	client    *natsclient.Client
	logger    *slog.Logger
	fetchWait time.Duration
	maxAge    time.Duration

	consumers map[string]jetstream.Consumer
}

// JetStreamOption configures the queue
type JetStreamOption func(*JetStreamQueue)

// WithFetchWait bounds how long Claim waits for a message before
// reporting an empty topic.
func WithFetchWait(d time.Duration) JetStreamOption {
	return func(q *JetStreamQueue) { q.fetchWait = d }
}

// WithMaxAge discards items older than d, guarding the failed topic
// against unbounded growth.
func WithMaxAge(d time.Duration) JetStreamOption {
	return func(q *JetStreamQueue) { q.maxAge = d }
}

// NewJetStreamQueue creates the stream and per-topic consumers
func NewJetStreamQueue(
	ctx context.Context, client *natsclient.Client, logger *slog.Logger, opts ...JetStreamOption,
) (*JetStreamQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &JetStreamQueue{
		client:    client,
		logger:    logger,
		fetchWait: 2 * time.Second,
		consumers: make(map[string]jetstream.Consumer),
	}
	for _, opt := range opts {
		opt(q)
	}

	streamCfg := jetstream.StreamConfig{
		Name:        streamName,
		Description: "Post-processing work items",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      q.maxAge,
	}
	if _, err := client.CreateStream(ctx, streamCfg); err != nil {
		return nil, errors.Wrap(err, "JetStreamQueue", "NewJetStreamQueue", "stream creation")
	}

	for _, topic := range []string{TopicRealtime, TopicBackground, TopicFailed, TopicMaster} {
		consumer, err := client.PullConsumer(ctx, streamName, jetstream.ConsumerConfig{
			Durable:       "sbr-" + topic,
			FilterSubject: subjectPrefix + topic,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       5 * time.Minute,
			MaxDeliver:    -1, // retry bookkeeping lives in the work item
		})
		if err != nil {
			return nil, errors.Wrap(err, "JetStreamQueue", "NewJetStreamQueue",
				fmt.Sprintf("consumer creation for %s", topic))
		}
		q.consumers[topic] = consumer
	}
	return q, nil
}

func validTopic(topic string) bool {
	switch topic {
	case TopicRealtime, TopicBackground, TopicFailed, TopicMaster:
		return true
	}
	return false
}

// Create implements Queue
func (q *JetStreamQueue) Create(ctx context.Context, topic string, work types.WorkItem) (string, error) {
	if !validTopic(topic) {
		return "", errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"JetStreamQueue", "Create", "topic validation")
	}
	data, err := json.Marshal(work)
	if err != nil {
		return "", errors.WrapInvalid(err, "JetStreamQueue", "Create", "work item encoding")
	}
	if err := q.client.PublishToStream(ctx, subjectPrefix+topic, data); err != nil {
		return "", errors.Wrap(err, "JetStreamQueue", "Create", "work item publish")
	}
	return work.ID, nil
}

// Claim implements Queue
func (q *JetStreamQueue) Claim(ctx context.Context, topic string) (*Item, error) {
	consumer, ok := q.consumers[topic]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"JetStreamQueue", "Claim", "topic validation")
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.fetchWait))
	if err != nil {
		if strings.Contains(err.Error(), "no messages") {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "JetStreamQueue", "Claim", "message fetch")
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if batch.Error() != nil {
		return nil, errors.WrapTransient(batch.Error(), "JetStreamQueue", "Claim", "message fetch")
	}
	if msg == nil {
		return nil, nil
	}

	var work types.WorkItem
	if err := json.Unmarshal(msg.Data(), &work); err != nil {
		// Poison entry: drop it so it cannot wedge the topic
		q.logger.Error("discarding undecodable work item", "topic", topic, "error", err)
		_ = msg.Ack()
		return nil, errors.WrapInvalid(err, "JetStreamQueue", "Claim", "work item decoding")
	}

	return NewItem(work.ID, topic, work, natsMsgHandle{msg: msg}), nil
}

// Release implements Queue
func (q *JetStreamQueue) Release(_ context.Context, item *Item) error {
	if item == nil || item.handle == nil {
		return errors.WrapInvalid(errors.ErrItemNotClaimed, "JetStreamQueue", "Release", "item validation")
	}
	if err := item.handle.Nak(); err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "Release", "negative acknowledgement")
	}
	return nil
}

// Delete implements Queue
func (q *JetStreamQueue) Delete(_ context.Context, item *Item) error {
	if item == nil || item.handle == nil {
		return errors.WrapInvalid(errors.ErrItemNotClaimed, "JetStreamQueue", "Delete", "item validation")
	}
	if err := item.handle.Ack(); err != nil {
		return errors.WrapTransient(err, "JetStreamQueue", "Delete", "acknowledgement")
	}
	return nil
}

// Count implements Queue
func (q *JetStreamQueue) Count(ctx context.Context, topic string) (int, error) {
	consumer, ok := q.consumers[topic]
	if !ok {
		return 0, errors.WrapInvalid(
			fmt.Errorf("unknown topic %q", topic),
			"JetStreamQueue", "Count", "topic validation")
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "JetStreamQueue", "Count", "consumer info")
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

type natsMsgHandle struct {
	msg jetstream.Msg
}

func (h natsMsgHandle) Ack() error { return h.msg.Ack() }
func (h natsMsgHandle) Nak() error { return h.msg.Nak() }
