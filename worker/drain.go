package worker

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// DrainOptions tunes one drain pass over a topic
type DrainOptions struct {
	// Workers is how many items are processed concurrently. Defaults
	// to 1.
	Workers int

	// Limiter paces claims when set. The background topic is drained
	// with a limiter so bulk reprocessing does not starve realtime
	// work of shared resources.
	Limiter *rate.Limiter
}

// Drain processes items from the topic until it is empty or the
// context is done. Returns how many items were handled. Item-level
// failures are settled by Process (retried or parked) and do not stop
// the pass; only queue level errors do.
func (w *Worker) Drain(ctx context.Context, topic string, opts DrainOptions) (int, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var handled atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return nil
				}
				if opts.Limiter != nil {
					if err := opts.Limiter.Wait(ctx); err != nil {
						return nil
					}
				}
				ok, err := w.ProcessNext(ctx, topic)
				if err != nil {
					return errors.Wrap(err, "Worker", "Drain", "item processing")
				}
				if !ok {
					return nil
				}
				handled.Add(1)
			}
		})
	}

	err := g.Wait()
	n := int(handled.Load())
	if n > 0 {
		w.logger.Debug("drain pass finished", "topic", topic, "handled", n)
	}
	return n, err
}
