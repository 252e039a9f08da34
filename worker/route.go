package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/runner"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
	"github.com/esmero/strawberry-runners-sub000/tracking"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// route fans the run's output to every configured destination. A
// single run may satisfy several destinations at once.
func (w *Worker) route(
	ctx context.Context,
	wi *types.WorkItem,
	cfg *types.ProcessorConfig,
	seq int,
	out *runner.Output,
) error {
	dest := cfg.Settings.OutputDestination

	if dest.Has(types.DestSearchAPI) && out.Indexable != nil {
		if err := w.routeIndexable(ctx, wi, seq, out.Indexable); err != nil {
			return err
		}
	}

	if dest.Has(types.DestFile) && out.Derived != nil {
		if err := w.routeDerived(ctx, wi, cfg, out.Derived); err != nil {
			return err
		}
	}

	if dest.Has(types.DestPlugin) {
		n, err := w.dispatch.EnqueueChildren(ctx, *wi, out)
		if err != nil {
			return errors.Wrap(err, "Worker", "route", "child dispatch")
		}
		if n > 0 {
			w.logger.Debug("chained children dispatched",
				"parent", wi.ConfigID, "children", n)
		}
	}

	return nil
}

// routeIndexable commits the indexable output to the tracking store
// under every language variant key and registers the keys as inserted
// with every supporting index instance. Index instance errors are
// logged and do not abort the remaining instances.
func (w *Worker) routeIndexable(ctx context.Context, wi *types.WorkItem, seq int, ix *runner.Indexable) error {
	keys := w.trackingKeys(wi, seq)
	rec := tracking.Record{
		Checksum:  wi.Metadata.Checksum,
		Payload:   indexablePayload(ix),
		UpdatedAt: time.Now().UTC(),
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := w.tracking.Track(ctx, key, rec); err != nil {
			return errors.Wrap(err, "Worker", "routeIndexable", "tracking record write")
		}
		ids = append(ids, key.String())
	}

	for _, idx := range searchindex.Supporting(w.indexes, w.datasource) {
		if err := idx.TrackInserted(ctx, w.datasource, ids); err != nil {
			w.logger.Error("index insert notification failed",
				"index", idx.ID(), "item", wi.ID, "error", err)
		}
	}
	return nil
}

// routeDerived attaches the produced file to the Asset's manifest,
// records the flavor entry on the source file, appends an activity log
// line and persists the Asset in one mutation.
func (w *Worker) routeDerived(
	ctx context.Context,
	wi *types.WorkItem,
	cfg *types.ProcessorConfig,
	d *runner.Derived,
) error {
	checksum, err := fileChecksum(d.Path)
	if err != nil {
		return errors.WrapTransient(err, "Worker", "routeDerived", "derived file checksum")
	}

	derived := types.FileMeta{
		FileID:     d.Path,
		FileUUID:   uuid.NewString(),
		MimeType:   d.MimeType,
		Checksum:   checksum,
		ADOType:    wi.Metadata.ADOType,
		SequenceID: wi.Metadata.SequenceID,
		Flavors:    map[string]any{cfg.FlavorKey(): true},
	}

	flavor := map[string]any{
		"path":            d.Path,
		"mime_type":       d.MimeType,
		"checksum":        checksum,
		"source_checksum": wi.Metadata.Checksum,
		"file_uuid":       derived.FileUUID,
	}

	err = w.assets.Mutate(ctx, wi.AssetID, func(a *asset.Asset) error {
		a.AttachFile(derived, "file://"+d.Path)
		a.SetFlavor(wi.FileUUID, cfg.FlavorKey(), flavor)
		a.LogActivity(cfg.ID, "info",
			fmt.Sprintf("derived file %s attached for %s", d.Path, wi.FileID))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Worker", "routeDerived", "asset update")
	}
	return nil
}

// indexablePayload flattens the indexable output into the tracking
// record's stored payload.
func indexablePayload(ix *runner.Indexable) map[string]any {
	payload := make(map[string]any)
	if ix.Fulltext != "" {
		payload["fulltext"] = ix.Fulltext
	}
	if ix.Plaintext != "" {
		payload["plaintext"] = ix.Plaintext
	}
	if ix.Label != "" {
		payload["label"] = ix.Label
	}
	for k, v := range ix.Fields {
		payload[k] = v
	}
	for field, vec := range ix.Vectors {
		payload[field] = vec
	}
	return payload
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
