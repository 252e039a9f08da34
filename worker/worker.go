// Package worker executes queued work items through the processing
// state machine: fetch configuration and file, dedup against the
// tracking store, invoke the processor, route the output. Transient
// failures are retried up to a bound; exhausted or non-retryable items
// are parked on the failed topic for operator resubmission.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/configstore"
	"github.com/esmero/strawberry-runners-sub000/dispatcher"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/filecache"
	"github.com/esmero/strawberry-runners-sub000/metric"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
	"github.com/esmero/strawberry-runners-sub000/storage"
	"github.com/esmero/strawberry-runners-sub000/tracking"
	"github.com/esmero/strawberry-runners-sub000/types"
)

const (
	// maxRetries bounds transient re-enqueues. An item is attempted at
	// retry counts 0 through maxRetries, then parked.
	maxRetries = 3

	// defaultRunTimeout applies when a configuration carries no
	// timeout_seconds.
	defaultRunTimeout = 5 * time.Minute

	// DefaultDatasource identifies this pipeline's items to search
	// index instances.
	DefaultDatasource = "strawberryfield_flavor_datasource"
)

// Config wires a worker's collaborators
type Config struct {
	Queue      queue.Queue
	Configs    configstore.Store
	Registry   *registry.Registry
	Files      storage.FileSource
	Cache      *filecache.Cache
	Tracking   tracking.Store
	Indexes    []searchindex.Index
	Assets     asset.Store
	Dispatcher *dispatcher.Dispatcher
	Metrics    *metric.Metrics

	// Datasource defaults to DefaultDatasource
	Datasource string

	// PluginDeps is handed to plugin factories. Its logger defaults to
	// the worker's own.
	PluginDeps registry.Dependencies

	Logger *slog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.Queue == nil:
		return fmt.Errorf("%w: queue is required", errors.ErrMissingConfig)
	case c.Configs == nil:
		return fmt.Errorf("%w: config store is required", errors.ErrMissingConfig)
	case c.Registry == nil:
		return fmt.Errorf("%w: registry is required", errors.ErrMissingConfig)
	case c.Tracking == nil:
		return fmt.Errorf("%w: tracking store is required", errors.ErrMissingConfig)
	case c.Assets == nil:
		return fmt.Errorf("%w: asset store is required", errors.ErrMissingConfig)
	case c.Dispatcher == nil:
		return fmt.Errorf("%w: dispatcher is required", errors.ErrMissingConfig)
	}
	return nil
}

// Worker processes claimed work items
type Worker struct {
	queue      queue.Queue
	configs    configstore.Store
	registry   *registry.Registry
	files      storage.FileSource
	cache      *filecache.Cache
	tracking   tracking.Store
	indexes    []searchindex.Index
	assets     asset.Store
	dispatch   *dispatcher.Dispatcher
	metrics    *metric.Metrics
	datasource string
	deps       registry.Dependencies
	logger     *slog.Logger
}

// New creates a worker
func New(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Worker", "New", "configuration validation")
	}
	if cfg.Datasource == "" {
		cfg.Datasource = DefaultDatasource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps := cfg.PluginDeps
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Worker{
		queue:      cfg.Queue,
		configs:    cfg.Configs,
		registry:   cfg.Registry,
		files:      cfg.Files,
		cache:      cfg.Cache,
		tracking:   cfg.Tracking,
		indexes:    cfg.Indexes,
		assets:     cfg.Assets,
		dispatch:   cfg.Dispatcher,
		metrics:    cfg.Metrics,
		datasource: cfg.Datasource,
		deps:       deps,
		logger:     logger,
	}, nil
}

// Outcome reports how Process settled a claimed item
type Outcome int

// Outcomes
const (
	// OutcomeDone means the run succeeded and the item was deleted
	OutcomeDone Outcome = iota
	// OutcomeSkipped means dedup or empty output made the run a no-op
	OutcomeSkipped
	// OutcomeRetried means a clone with an incremented retry count was
	// re-enqueued on the item's own topic
	OutcomeRetried
	// OutcomeParked means the item was moved to the failed topic
	OutcomeParked
)

// String returns the outcome's log form
func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetried:
		return "retried"
	case OutcomeParked:
		return "parked"
	default:
		return "unknown"
	}
}

// ProcessNext claims one item from the topic and processes it. Returns
// false when the topic was empty.
func (w *Worker) ProcessNext(ctx context.Context, topic string) (bool, error) {
	item, err := w.queue.Claim(ctx, topic)
	if err != nil {
		return false, errors.Wrap(err, "Worker", "ProcessNext", "queue claim")
	}
	if item == nil {
		return false, nil
	}
	_, err = w.Process(ctx, item)
	return true, err
}

// Process runs the state machine for one claimed item and settles its
// queue delivery: done and skipped items are deleted, transient
// failures re-enqueue a clone with an incremented retry count, and
// exhausted or non-retryable failures park the item on the failed
// topic. The returned error reports settlement problems only; a
// processing failure that was settled (retried or parked) is not an
// error to the caller.
func (w *Worker) Process(ctx context.Context, item *queue.Item) (Outcome, error) {
	wi := item.Work
	log := w.logger.With(
		"item", wi.ID,
		"processor", wi.ConfigID,
		"file", wi.FileID,
		"asset", wi.AssetID,
		"attempt", wi.RetryCount,
	)

	res, err := w.run(ctx, &wi)
	if err == nil {
		if res.skipped {
			log.Debug("work item skipped", "reason", res.skipReason)
			return OutcomeSkipped, w.queue.Delete(ctx, item)
		}
		log.Info("work item done")
		w.countProcessed(wi.ConfigID, "done")
		return OutcomeDone, w.queue.Delete(ctx, item)
	}

	if errors.IsTransient(err) && wi.RetryCount < maxRetries {
		log.Warn("work item failed, retrying", "error", err)
		w.countProcessed(wi.ConfigID, "retrying")
		return OutcomeRetried, w.retry(ctx, item)
	}

	log.Error("work item failed terminally",
		"error", err, "class", errors.Classify(err).String())
	if w.metrics != nil {
		w.metrics.ItemsFailed.WithLabelValues(wi.ConfigID, errors.Classify(err).String()).Inc()
	}
	return OutcomeParked, w.park(ctx, item, err)
}

// retry re-enqueues a clone with retryCount+1 on the item's own topic
// and removes the original delivery.
func (w *Worker) retry(ctx context.Context, item *queue.Item) error {
	clone := item.Work
	clone.RetryCount++
	if _, err := w.queue.Create(ctx, item.Topic, clone); err != nil {
		// keep the original claimable rather than losing the item
		if relErr := w.queue.Release(ctx, item); relErr != nil {
			return errors.Wrap(relErr, "Worker", "retry", "item release")
		}
		return errors.Wrap(err, "Worker", "retry", "retry enqueue")
	}
	return w.queue.Delete(ctx, item)
}

// park moves the item to the failed topic with an attached failure
// context naming its origin queue.
func (w *Worker) park(ctx context.Context, item *queue.Item, cause error) error {
	parked := item.Work
	parked.Failure = &types.FailureContext{
		Error:       cause.Error(),
		Attempts:    parked.RetryCount,
		OriginQueue: item.Topic,
		FailedAt:    time.Now().UTC(),
	}
	if _, err := w.queue.Create(ctx, queue.TopicFailed, parked); err != nil {
		if relErr := w.queue.Release(ctx, item); relErr != nil {
			return errors.Wrap(relErr, "Worker", "park", "item release")
		}
		return errors.Wrap(err, "Worker", "park", "failed topic push")
	}
	return w.queue.Delete(ctx, item)
}

type runResult struct {
	skipped    bool
	skipReason string
}

// run walks one item through Fetching, Deduping, Invoking and Routing
func (w *Worker) run(ctx context.Context, wi *types.WorkItem) (runResult, error) {
	// Fetching
	cfg, err := w.configs.Get(ctx, wi.ConfigID)
	if err != nil {
		return runResult{}, errors.WrapFatal(err, "Worker", "run", "configuration lookup")
	}
	if !cfg.Active {
		return runResult{}, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrConfigInactive, cfg.ID),
			"Worker", "run", "configuration check")
	}
	def, err := w.registry.Definition(cfg.PluginID)
	if err != nil {
		return runResult{}, errors.WrapFatal(err, "Worker", "run", "plugin definition lookup")
	}

	in, err := w.buildInput(ctx, wi, cfg, def)
	if err != nil {
		return runResult{}, err
	}

	// The effective sequence keys the tracking records, so chained
	// page fan-out items of one file dedup independently.
	seq := inputArgument(wi, def)

	// Deduping
	dest := cfg.Settings.OutputDestination
	if dest.Has(types.DestSearchAPI) && !wi.Force {
		satisfied := w.alreadySatisfied(ctx, wi, seq)
		if satisfied {
			if w.metrics != nil {
				w.metrics.ItemsSkipped.WithLabelValues(cfg.ID, "checksum_match").Inc()
			}
			return runResult{skipped: true, skipReason: "checksum_match"}, nil
		}
	}

	// Invoking
	rn, err := w.registry.Create(cfg.PluginID, pluginSettings(cfg), w.deps)
	if err != nil {
		return runResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout(defaultRunTimeout))
	defer cancel()

	start := time.Now()
	out, err := rn.Run(runCtx, in)
	if w.metrics != nil {
		w.metrics.RunDuration.WithLabelValues(cfg.ID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return runResult{}, errors.Wrap(err, "Worker", "run", "processor invocation")
	}
	if !out.HasContent() {
		if w.metrics != nil {
			w.metrics.ItemsSkipped.WithLabelValues(cfg.ID, "empty_output").Inc()
		}
		return runResult{skipped: true, skipReason: "empty_output"}, nil
	}

	// Routing
	return runResult{}, w.route(ctx, wi, cfg, seq, out)
}

// buildInput assembles the processor invocation payload according to
// the definition's declared input type.
func (w *Worker) buildInput(
	ctx context.Context,
	wi *types.WorkItem,
	cfg *types.ProcessorConfig,
	def registry.Definition,
) (*runner.Input, error) {
	in := &runner.Input{
		Property:  def.InputProperty,
		Argument:  inputArgument(wi, def),
		AssetUUID: wi.AssetUUID,
		Metadata:  manifestSnapshot(wi),
	}

	switch def.InputType {
	case registry.InputFile:
		path, err := w.localPath(ctx, wi, def)
		if err != nil {
			return nil, err
		}
		in.File = &runner.FilePayload{
			Path:     path,
			MimeType: wi.Metadata.MimeType,
			Checksum: wi.Metadata.Checksum,
		}
	case registry.InputJSON:
		raw, err := jsonPayload(wi, def)
		if err != nil {
			return nil, err
		}
		in.JSON = &runner.JSONPayload{Raw: raw}
	default:
		return nil, errors.WrapFatal(
			fmt.Errorf("plugin %q declares unknown input type %q", cfg.PluginID, def.InputType),
			"Worker", "buildInput", "input type check")
	}
	return in, nil
}

// localPath materializes the source file on local disk. Chained items
// whose parent produced a path reuse it directly; everything else is
// fetched through the checksum keyed cache.
func (w *Worker) localPath(ctx context.Context, wi *types.WorkItem, def registry.Definition) (string, error) {
	if v, ok := wi.Property(def.InputProperty); ok {
		if path, ok := v.(string); ok && path != "" {
			return path, nil
		}
	}

	if wi.Metadata.Checksum == "" {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: file %s", errors.ErrMissingChecksum, wi.FileID),
			"Worker", "localPath", "checksum check")
	}
	if w.cache == nil || w.files == nil {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: no file source configured", errors.ErrStorageUnavailable),
			"Worker", "localPath", "file source check")
	}

	path, err := w.cache.Ensure(ctx, wi.Metadata.Checksum, func(ctx context.Context) (io.ReadCloser, error) {
		return w.files.Open(ctx, wi.FileID)
	})
	if err != nil {
		if errors.IsInvalid(err) || errors.IsFatal(err) {
			return "", err
		}
		return "", errors.WrapTransient(err, "Worker", "localPath", "file materialization")
	}
	return path, nil
}

// jsonPayload extracts the forwarded JSON for a json-input processor:
// the chained property if the dispatcher bound one, else the item's
// own payload.
func jsonPayload(wi *types.WorkItem, def registry.Definition) (json.RawMessage, error) {
	if v, ok := wi.Property(def.InputProperty); ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Worker", "jsonPayload", "chained value encoding")
		}
		return raw, nil
	}
	if len(wi.Payload) > 0 {
		return wi.Payload, nil
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: item carries no %q value", errors.ErrInvalidPayload, def.InputProperty),
		"Worker", "jsonPayload", "payload extraction")
}

// inputArgument resolves the sequence argument, defaulting to 1
func inputArgument(wi *types.WorkItem, def registry.Definition) int {
	if def.InputArgument != "" {
		if v, ok := wi.Property(def.InputArgument); ok {
			if n, ok := coerceInt(v); ok {
				return n
			}
		}
	}
	if wi.Metadata.SequenceID > 0 {
		return wi.Metadata.SequenceID
	}
	return 1
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// manifestSnapshot exposes the file's manifest entry to the processor
func manifestSnapshot(wi *types.WorkItem) map[string]any {
	return map[string]any{
		"dr:fid":      wi.Metadata.FileID,
		"dr:uuid":     wi.Metadata.FileUUID,
		"dr:mimetype": wi.Metadata.MimeType,
		"checksum":    wi.Metadata.Checksum,
		"sequence":    wi.Metadata.SequenceID,
		"ado_type":    wi.Metadata.ADOType,
	}
}

// pluginSettings returns the configuration's free-form settings block
// as the factory's raw settings.
func pluginSettings(cfg *types.ProcessorConfig) json.RawMessage {
	if len(cfg.Settings.Extra) == 0 {
		return nil
	}
	raw, err := json.Marshal(cfg.Settings.Extra)
	if err != nil {
		return nil
	}
	return raw
}

// trackingKeys returns one key per language variant of the item
func (w *Worker) trackingKeys(wi *types.WorkItem, seq int) []tracking.Key {
	locales := wi.LanguageVariants()
	keys := make([]tracking.Key, 0, len(locales))
	for _, locale := range locales {
		keys = append(keys, tracking.Key{
			AssetID:  wi.AssetID,
			Sequence: seq,
			Locale:   locale,
			FileUUID: wi.FileUUID,
			ConfigID: wi.ConfigID,
		})
	}
	return keys
}

// alreadySatisfied reports whether every language variant of this item
// is already committed: the tracking store holds a record with the
// current checksum for each key, and every index instance serving the
// datasource reports all keys present. Any lookup error means "not
// satisfied" so processing proceeds.
func (w *Worker) alreadySatisfied(ctx context.Context, wi *types.WorkItem, seq int) bool {
	keys := w.trackingKeys(wi, seq)
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		rec, err := w.tracking.Lookup(ctx, key)
		if err != nil {
			w.logger.Warn("tracking lookup failed, reprocessing",
				"key", key.String(), "error", err)
			return false
		}
		if !tracking.Fresh(rec, wi.Metadata.Checksum) {
			return false
		}
		ids = append(ids, key.String())
	}

	for _, idx := range searchindex.Supporting(w.indexes, w.datasource) {
		count, err := idx.Query(ctx, w.datasource, ids)
		if err != nil {
			w.logger.Warn("index dedup query failed, reprocessing",
				"index", idx.ID(), "error", err)
			return false
		}
		if count < len(ids) {
			return false
		}
	}
	return true
}

func (w *Worker) countProcessed(configID, status string) {
	if w.metrics != nil {
		w.metrics.ItemsProcessed.WithLabelValues(configID, status).Inc()
	}
}
