package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/types"
)

func workItem(id string) types.WorkItem {
	return types.WorkItem{
		ID:       id,
		FileID:   "101",
		AssetID:  "ado:2001",
		ConfigID: "ocr",
	}
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicRealtime, TopicFor(types.QueueRealtime))
	assert.Equal(t, TopicBackground, TopicFor(types.QueueBackground))
	assert.Equal(t, TopicBackground, TopicFor(types.QueueClass("")), "unknown classes fall back to background")
}

func TestMemQueueCreateClaimDelete(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()

	_, err := q.Create(ctx, TopicRealtime, workItem("w1"))
	require.NoError(t, err)

	n, err := q.Count(ctx, TopicRealtime)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := q.Claim(ctx, TopicRealtime)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "w1", item.Work.ID)

	// Claimed items are invisible
	n, err = q.Count(ctx, TopicRealtime)
	require.NoError(t, err)
	assert.Zero(t, n)

	second, err := q.Claim(ctx, TopicRealtime)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, q.Delete(ctx, item))
	n, err = q.Count(ctx, TopicRealtime)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemQueueRelease(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()

	_, err := q.Create(ctx, TopicBackground, workItem("w1"))
	require.NoError(t, err)

	item, err := q.Claim(ctx, TopicBackground)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Release(ctx, item))

	// Released items are claimable again
	again, err := q.Claim(ctx, TopicBackground)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "w1", again.Work.ID)

	// Double release of the same claim fails
	require.Error(t, q.Release(ctx, item))
}

func TestMemQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Create(ctx, TopicRealtime, workItem(id))
		require.NoError(t, err)
	}

	var order []string
	for {
		item, err := q.Claim(ctx, TopicRealtime)
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.Work.ID)
		require.NoError(t, q.Delete(ctx, item))
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMemQueueTopicsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()

	_, err := q.Create(ctx, TopicRealtime, workItem("rt"))
	require.NoError(t, err)
	_, err = q.Create(ctx, TopicFailed, workItem("parked"))
	require.NoError(t, err)

	item, err := q.Claim(ctx, TopicBackground)
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = q.Claim(ctx, TopicFailed)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "parked", item.Work.ID)
}

func TestMemQueueValidation(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()

	_, err := q.Create(ctx, "express", workItem("x"))
	require.Error(t, err)
	_, err = q.Claim(ctx, "express")
	require.Error(t, err)
	_, err = q.Count(ctx, "express")
	require.Error(t, err)

	require.Error(t, q.Delete(ctx, nil))
	require.Error(t, q.Release(ctx, nil))
}
