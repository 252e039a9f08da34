// Package dispatcher turns resolved matches into queued work items
// and expands chained children from a finished parent's output. All
// enqueueing is fire-and-forget from the caller's point of view;
// workers are idempotent by checksum, so occasional duplicate pushes
// are tolerated.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/configstore"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/matcher"
	"github.com/esmero/strawberry-runners-sub000/metric"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// Dispatcher enqueues top-level and chained work items
type Dispatcher struct {
	queue    queue.Queue
	configs  configstore.Store
	registry *registry.Registry
	resolver *matcher.Resolver
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// New creates a dispatcher
func New(
	q queue.Queue,
	configs configstore.Store,
	reg *registry.Registry,
	resolver *matcher.Resolver,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    q,
		configs:  configs,
		registry: reg,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
	}
}

// Enqueue pushes one work item per match. force is combined with each
// file's manifest force flag. Returns how many items were enqueued;
// a push failure aborts the batch.
func (d *Dispatcher) Enqueue(ctx context.Context, a *asset.Asset, matches []types.MatchedWork, force bool) (int, error) {
	enqueued := 0
	for _, m := range matches {
		item := types.WorkItem{
			ID:                uuid.NewString(),
			FileID:            m.File.FileID,
			FileUUID:          m.File.FileUUID,
			AssetID:           a.ID,
			AssetUUID:         a.UUID,
			ConfigID:          m.Config.ID,
			StructureUniqueID: m.File.FileUUID,
			StructureKey:      m.File.ManifestKey,
			Metadata:          m.File,
			Languages:         a.LanguageVariants(),
			Force:             force || m.File.ForceFlag,
			QueueClass:        m.Config.Settings.QueueClass,
		}
		topic := queue.TopicFor(item.QueueClass)
		if _, err := d.queue.Create(ctx, topic, item); err != nil {
			return enqueued, errors.Wrap(err, "Dispatcher", "Enqueue",
				fmt.Sprintf("work item push for config %s", m.Config.ID))
		}
		enqueued++
		if d.metrics != nil {
			d.metrics.ItemsDispatched.WithLabelValues(topic).Inc()
		}
		d.logger.Debug("work item enqueued",
			"item", item.ID, "asset", a.ID, "config", m.Config.ID,
			"file", m.File.FileID, "topic", topic, "force", item.Force)
	}
	return enqueued, nil
}

// EnqueueChildren expands the active children of the just-run config
// into child work items bound to the parent's output. The child's
// input property and argument are taken from the output's chained
// fields when present; otherwise the parent work item's own value for
// that field is forwarded unchanged, which can carry a stale value
// into the child (see DESIGN.md). A multi-valued argument emits one
// item per scalar element; non-scalar elements are dropped.
func (d *Dispatcher) EnqueueChildren(
	ctx context.Context, parent types.WorkItem, out *runner.Output,
) (int, error) {
	children, err := d.configs.Children(ctx, parent.ConfigID)
	if err != nil {
		return 0, errors.Wrap(err, "Dispatcher", "EnqueueChildren", "child config lookup")
	}
	if len(children) == 0 {
		return 0, nil
	}

	enqueued := 0
	for _, child := range children {
		def, err := d.registry.Definition(child.PluginID)
		if err != nil {
			d.logger.Error("skipping child with unregistered plugin",
				"config", child.ID, "plugin", child.PluginID, "error", err)
			continue
		}

		propValue := chainedValue(parent, out, def.InputProperty)
		args := chainedArguments(parent, out, def.InputArgument)

		for _, arg := range args {
			item := parent
			item.ID = uuid.NewString()
			item.ConfigID = child.ID
			item.QueueClass = child.Settings.QueueClass
			item.RetryCount = 0
			item.Failure = nil
			item.Properties = map[string]any{}
			if def.InputProperty != "" && propValue != nil {
				item.Properties[def.InputProperty] = propValue
			}
			if def.InputArgument != "" {
				item.Properties[def.InputArgument] = arg
			}

			topic := queue.TopicFor(item.QueueClass)
			if _, err := d.queue.Create(ctx, topic, item); err != nil {
				return enqueued, errors.Wrap(err, "Dispatcher", "EnqueueChildren",
					fmt.Sprintf("child push for config %s", child.ID))
			}
			enqueued++
			if d.metrics != nil {
				d.metrics.ItemsDispatched.WithLabelValues(topic).Inc()
			}
		}
	}
	d.logger.Info("chained children enqueued",
		"parent_config", parent.ConfigID, "asset", parent.AssetID, "count", enqueued)
	return enqueued, nil
}

// RunNow resolves and enqueues matches for a single Asset restricted
// to the given config ids, as triggered by an operator. Returns the
// number of items enqueued for the summary message.
func (d *Dispatcher) RunNow(ctx context.Context, a *asset.Asset, configIDs []string, force bool) (int, error) {
	active, err := d.configs.ActiveTopLevel(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "Dispatcher", "RunNow", "active config listing")
	}
	res := d.resolver.Resolve(a, active, configIDs)
	return d.Enqueue(ctx, a, res.Matches, force)
}

// chainedValue picks the child's input property value: the parent
// output's chained field when present, else the parent item's own
// value for the same field name.
func chainedValue(parent types.WorkItem, out *runner.Output, field string) any {
	if field == "" {
		return nil
	}
	if out != nil && out.Chained != nil {
		if v, ok := out.Chained[field]; ok {
			return v
		}
	}
	if v, ok := parent.Property(field); ok {
		return v
	}
	return nil
}

// chainedArguments expands the child's input argument into scalars.
// Absent values default to a single argument of 1.
func chainedArguments(parent types.WorkItem, out *runner.Output, field string) []any {
	raw := chainedValue(parent, out, field)
	if raw == nil {
		return []any{1}
	}
	if list, ok := raw.([]any); ok {
		var out []any
		for _, v := range list {
			if isScalar(v) {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			return []any{1}
		}
		return out
	}
	if isScalar(raw) {
		return []any{raw}
	}
	return []any{1}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}
