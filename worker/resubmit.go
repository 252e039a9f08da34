package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
	"github.com/esmero/strawberry-runners-sub000/tracking"
)

// Resubmit returns a parked item to its origin queue. The failure
// context and retry count are stripped, so the item re-enters the
// pipeline as if freshly dispatched. No check is made that the
// original failure cause was fixed.
func (w *Worker) Resubmit(ctx context.Context, item *queue.Item) error {
	if item == nil || item.Work.Failure == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: item carries no failure context", errors.ErrInvalidPayload),
			"Worker", "Resubmit", "item validation")
	}

	work := item.Work
	origin := work.Failure.OriginQueue
	if origin == "" {
		origin = queue.TopicFor(work.QueueClass)
	}
	work.Failure = nil
	work.RetryCount = 0

	if _, err := w.queue.Create(ctx, origin, work); err != nil {
		if relErr := w.queue.Release(ctx, item); relErr != nil {
			return errors.Wrap(relErr, "Worker", "Resubmit", "item release")
		}
		return errors.Wrap(err, "Worker", "Resubmit", "origin queue push")
	}

	w.logger.Info("failed item resubmitted",
		"item", work.ID, "processor", work.ConfigID, "queue", origin)
	return w.queue.Delete(ctx, item)
}

// ResubmitAll drains the failed topic, resubmitting every parked item.
// Returns how many items were requeued.
func (w *Worker) ResubmitAll(ctx context.Context) (int, error) {
	requeued := 0
	for {
		item, err := w.queue.Claim(ctx, queue.TopicFailed)
		if err != nil {
			return requeued, errors.Wrap(err, "Worker", "ResubmitAll", "failed topic claim")
		}
		if item == nil {
			return requeued, nil
		}
		if err := w.Resubmit(ctx, item); err != nil {
			return requeued, err
		}
		requeued++
	}
}

// DeleteFlavors removes every derived entry the given processor
// configurations produced on an Asset: the index is told the items are
// deleted, the tracking records are evicted, and the manifest entries
// are stripped in one Asset mutation. Returns how many manifest
// entries were removed.
func (w *Worker) DeleteFlavors(ctx context.Context, assetID string, configIDs []string) (int, error) {
	if len(configIDs) == 0 {
		return 0, nil
	}

	a, err := w.assets.Get(ctx, assetID)
	if err != nil {
		return 0, errors.Wrap(err, "Worker", "DeleteFlavors", "asset lookup")
	}

	flat := a.Flatten()
	locales := a.LanguageVariants()

	var keys []tracking.Key
	for _, file := range flat.Files {
		for _, configID := range configIDs {
			for _, locale := range locales {
				keys = append(keys, tracking.Key{
					AssetID:  assetID,
					Sequence: file.SequenceID,
					Locale:   locale,
					FileUUID: file.FileUUID,
					ConfigID: configID,
				})
			}
		}
	}

	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = key.String()
	}
	for _, idx := range searchindex.Supporting(w.indexes, w.datasource) {
		if err := idx.TrackDeleted(ctx, w.datasource, ids); err != nil {
			w.logger.Error("index delete notification failed",
				"index", idx.ID(), "asset", assetID, "error", err)
		}
	}

	if err := w.tracking.Untrack(ctx, keys); err != nil {
		return 0, errors.Wrap(err, "Worker", "DeleteFlavors", "tracking eviction")
	}

	removed := 0
	err = w.assets.Mutate(ctx, assetID, func(a *asset.Asset) error {
		for _, configID := range configIDs {
			removed += a.DeleteFlavors(configID)
		}
		a.LogActivity(strings.Join(configIDs, ","), "info",
			fmt.Sprintf("removed %d derived entries", removed))
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "Worker", "DeleteFlavors", "asset update")
	}
	return removed, nil
}
