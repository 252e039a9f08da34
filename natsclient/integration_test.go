//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndPublish(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	assert.Equal(t, StatusConnected, tc.Client.Status())
	assert.True(t, tc.Client.IsHealthy())

	require.NoError(t, tc.Client.Publish(ctx, "test.subject", []byte("hello")))
}

func TestStreamRoundTrip(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "ROUNDTRIP",
		Subjects: []string{"roundtrip.>"},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStream(ctx, "roundtrip.one", []byte("payload")))

	consumer, err := tc.Client.PullConsumer(ctx, "ROUNDTRIP", jetstream.ConsumerConfig{
		Durable:   "roundtrip-consumer",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	msg := <-batch.Messages()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("payload"), msg.Data())
	require.NoError(t, msg.Ack())
}

func TestKVStoreLifecycle(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("lifecycle"))
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "lifecycle"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	// missing key
	_, err = kv.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	// put and read back
	rev, err := kv.Put(ctx, "k1", []byte("v1"))
	require.NoError(t, err)
	assert.NotZero(t, rev)

	entry, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	// create refuses existing keys
	_, err = kv.Create(ctx, "k1", []byte("other"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	// CAS update with stale revision fails
	_, err = kv.Update(ctx, "k1", []byte("v2"), entry.Revision)
	require.NoError(t, err)
	_, err = kv.Update(ctx, "k1", []byte("v3"), entry.Revision)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	require.NoError(t, kv.Delete(ctx, "k1"))
	_, err = kv.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVUpdateWithRetryUnderContention(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("contention"))
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "contention"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	// concurrent counters must not lose increments
	const writers = 5
	errs := make(chan error, writers)
	for range writers {
		go func() {
			errs <- kv.UpdateJSON(ctx, "counter", func(current map[string]any) error {
				n, _ := current["n"].(float64)
				current["n"] = n + 1
				return nil
			})
		}()
	}
	for range writers {
		require.NoError(t, <-errs)
	}

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value), fmt.Sprintf(`"n":%d`, writers))
}
