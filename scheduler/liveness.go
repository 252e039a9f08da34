package scheduler

import (
	"context"
	"time"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/natsclient"
)

// Liveness marks a scheduler instance as alive for the duration of
// its run. Other processes can watch the marker to avoid starting a
// second loop against the same queues.
type Liveness interface {
	Beat(ctx context.Context) error
	Clear(ctx context.Context) error
}

const defaultLivenessKey = "scheduler-alive"

// KVLiveness keeps the marker in a key-value bucket. The value is the
// time of the last beat, so a stale marker is detectable after a crash.
type KVLiveness struct {
	kv  *natsclient.KVStore
	key string
}

// NewKVLiveness creates a key-value backed liveness marker. An empty
// key falls back to a shared default.
func NewKVLiveness(kv *natsclient.KVStore, key string) *KVLiveness {
	if key == "" {
		key = defaultLivenessKey
	}
	return &KVLiveness{kv: kv, key: key}
}

func (l *KVLiveness) Beat(ctx context.Context) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := l.kv.Put(ctx, l.key, []byte(stamp)); err != nil {
		return errors.WrapTransient(err, "KVLiveness", "Beat", "marker write")
	}
	return nil
}

func (l *KVLiveness) Clear(ctx context.Context) error {
	if err := l.kv.Delete(ctx, l.key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "KVLiveness", "Clear", "marker removal")
	}
	return nil
}
