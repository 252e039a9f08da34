// Package scheduler runs the bounded control loop governing Asset
// level progress. One Asset is in flight at a time; its work items run
// as asynchronously launched tasks capped at a hard concurrency limit,
// and the loop shuts itself down after a configured number of
// consecutive idle wake-ups.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/dispatcher"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/metric"
	"github.com/esmero/strawberry-runners-sub000/pkg/taskpool"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/types"
	"github.com/esmero/strawberry-runners-sub000/worker"
)

// Defaults
const (
	DefaultWakePeriod  = 3 * time.Second
	DefaultIdleBudget  = 5
	DefaultMaxChildren = 2
)

const (
	// staleClaimBudget is how many consecutive wakes dispatched items
	// may be neither claimable nor processing before the cycle settles
	// on the outcomes this loop observed. The drain schedules share
	// the work topics and may consume items this loop dispatched.
	staleClaimBudget = 3

	// foreignClaimLimit bounds how many other Assets' items one claim
	// pass puts back per topic.
	foreignClaimLimit = 4
)

// childState tracks one work item of the in-flight Asset
type childState int

const (
	childToProcess childState = iota
	childProcessing
	childDone
	childError
)

// Config wires the scheduler's collaborators
type Config struct {
	Queue      queue.Queue
	Assets     asset.Store
	Dispatcher *dispatcher.Dispatcher
	Worker     *worker.Worker
	Metrics    *metric.Metrics

	// Liveness is beaten every wake and cleared on shutdown. Optional.
	Liveness Liveness

	// WakePeriod is the loop's fixed wake interval
	WakePeriod time.Duration

	// IdleBudget is how many consecutive empty wake-ups are tolerated
	// before the loop exits.
	IdleBudget int

	// MaxConcurrentChildren caps simultaneously executing work items
	MaxConcurrentChildren int

	Logger *slog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.Queue == nil:
		return fmt.Errorf("%w: queue is required", errors.ErrMissingConfig)
	case c.Assets == nil:
		return fmt.Errorf("%w: asset store is required", errors.ErrMissingConfig)
	case c.Dispatcher == nil:
		return fmt.Errorf("%w: dispatcher is required", errors.ErrMissingConfig)
	case c.Worker == nil:
		return fmt.Errorf("%w: worker is required", errors.ErrMissingConfig)
	}
	return nil
}

// childResult travels from a finished task back to the control loop
type childResult struct {
	itemID  string
	outcome worker.Outcome
	err     error
}

// inflight is the scheduler's scratch state for the current Asset
type inflight struct {
	assetID    string
	masterItem *queue.Item
	total      int
	children   map[string]childState

	// stalls counts consecutive wakes with dispatched items
	// unaccounted for, see staleClaimBudget
	stalls int
}

func (f *inflight) counts() (processing, done, failed int) {
	for _, st := range f.children {
		switch st {
		case childProcessing:
			processing++
		case childDone:
			done++
		case childError:
			failed++
		}
	}
	return processing, done, failed
}

// expected is how many children the cycle waits for: the dispatch
// count, grown when chained children claimed later exceed it.
func (f *inflight) expected() int {
	if len(f.children) > f.total {
		return len(f.children)
	}
	return f.total
}

// Scheduler is the bounded control loop
type Scheduler struct {
	queue    queue.Queue
	assets   asset.Store
	dispatch *dispatcher.Dispatcher
	worker   *worker.Worker
	metrics  *metric.Metrics
	liveness Liveness

	wakePeriod  time.Duration
	idleBudget  int
	maxChildren int

	current *inflight
	results chan childResult
	logger  *slog.Logger
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Scheduler", "New", "configuration validation")
	}
	if cfg.WakePeriod <= 0 {
		cfg.WakePeriod = DefaultWakePeriod
	}
	if cfg.IdleBudget <= 0 {
		cfg.IdleBudget = DefaultIdleBudget
	}
	if cfg.MaxConcurrentChildren <= 0 {
		cfg.MaxConcurrentChildren = DefaultMaxChildren
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:       cfg.Queue,
		assets:      cfg.Assets,
		dispatch:    cfg.Dispatcher,
		worker:      cfg.Worker,
		metrics:     cfg.Metrics,
		liveness:    cfg.Liveness,
		wakePeriod:  cfg.WakePeriod,
		idleBudget:  cfg.IdleBudget,
		maxChildren: cfg.MaxConcurrentChildren,
		results:     make(chan childResult, 64),
		logger:      logger,
	}, nil
}

// Submit queues an Asset for a scheduler pass
func Submit(ctx context.Context, q queue.Queue, assetID string, force bool) error {
	_, err := q.Create(ctx, queue.TopicMaster, types.WorkItem{
		ID:      uuid.NewString(),
		AssetID: assetID,
		Force:   force,
	})
	if err != nil {
		return errors.Wrap(err, "Scheduler", "Submit", "master queue push")
	}
	return nil
}

// Run drives the control loop until the idle budget is exhausted or
// the context is done. In-flight tasks are given the wake period to
// finish on shutdown; they are never cancelled mid-run.
func (s *Scheduler) Run(ctx context.Context) error {
	pool := taskpool.New(s.maxChildren, s.maxChildren*2, s.execute)
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Scheduler", "Run", "task pool start")
	}
	defer func() {
		if err := pool.Stop(s.wakePeriod); err != nil {
			s.logger.Warn("task pool did not stop cleanly", "error", err)
		}
		s.clearLiveness()
	}()

	s.logger.Info("scheduler started",
		"wake_period", s.wakePeriod,
		"idle_budget", s.idleBudget,
		"max_children", s.maxChildren)

	ticker := time.NewTicker(s.wakePeriod)
	defer ticker.Stop()

	idle := s.idleBudget
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", "context done")
			return nil
		case <-ticker.C:
		}

		s.beatLiveness(ctx)

		busy, err := s.tick(ctx, pool)
		if err != nil {
			s.logger.Error("scheduler cycle failed", "error", err)
			// queue or store trouble, try again next wake
			continue
		}

		if busy {
			idle = s.idleBudget
			continue
		}
		idle--
		if s.metrics != nil {
			s.metrics.IdleCycles.Inc()
		}
		if idle <= 0 {
			s.logger.Info("scheduler stopping", "reason", "idle budget exhausted")
			return nil
		}
	}
}

// tick advances one wake cycle. Returns whether any work was seen.
func (s *Scheduler) tick(ctx context.Context, pool *taskpool.Pool[*queue.Item]) (bool, error) {
	busy := s.foldResults()
	if busy && s.current != nil {
		s.current.stalls = 0
	}

	if s.current == nil {
		claimed, err := s.claimAsset(ctx)
		if err != nil {
			return busy, err
		}
		if !claimed || s.current == nil {
			// nothing on the master topic, or the Asset settled
			// without dispatching any work
			return busy || claimed, nil
		}
		busy = true
	}

	processing, done, failed := s.current.counts()
	if s.metrics != nil {
		s.metrics.ChildrenInFlight.Set(float64(processing))
	}
	if processing >= s.maxChildren {
		// cap reached, re-poll next wake
		return true, nil
	}

	// Initial dispatches, retries and chained children all surface on
	// the work topics, so claim before judging the cycle terminal.
	claimed, err := s.claimChild(ctx, pool)
	if err != nil {
		return true, err
	}
	if claimed {
		s.current.stalls = 0
		return true, nil
	}
	if processing > 0 {
		return true, nil
	}

	if done+failed >= s.current.expected() {
		return true, s.settle(ctx, done, failed)
	}

	// Dispatched items that are neither claimable nor processing were
	// consumed by another drain consumer sharing the topics. Give them
	// a few wakes to reappear, then settle on what this loop observed
	// so the Asset does not sit in running forever.
	s.current.stalls++
	if s.current.stalls < staleClaimBudget {
		return true, nil
	}
	s.logger.Warn("work items consumed outside the control loop, settling cycle",
		"asset", s.current.assetID,
		"expected", s.current.expected(),
		"observed", done+failed)
	return true, s.settle(ctx, done, failed)
}

// settle folds the observed outcomes into a terminal state
func (s *Scheduler) settle(ctx context.Context, done, failed int) error {
	state := asset.StateDone
	if failed > 0 {
		state = asset.StateDoneWithErrors
	}
	return s.finish(ctx, state, done, failed)
}

// claimAsset takes the next Asset off the master topic and dispatches
// its work items.
func (s *Scheduler) claimAsset(ctx context.Context) (bool, error) {
	item, err := s.queue.Claim(ctx, queue.TopicMaster)
	if err != nil {
		return false, errors.Wrap(err, "Scheduler", "claimAsset", "master queue claim")
	}
	if item == nil {
		return false, nil
	}

	a, err := s.assets.Get(ctx, item.Work.AssetID)
	if err != nil {
		s.logger.Error("asset lookup failed, dropping master entry",
			"asset", item.Work.AssetID, "error", err)
		return false, s.queue.Delete(ctx, item)
	}

	n, err := s.dispatch.RunNow(ctx, a, nil, item.Work.Force)
	if err != nil {
		if relErr := s.queue.Release(ctx, item); relErr != nil {
			return false, errors.Wrap(relErr, "Scheduler", "claimAsset", "master item release")
		}
		return false, errors.Wrap(err, "Scheduler", "claimAsset", "work dispatch")
	}

	if n == 0 {
		// nothing matched, the Asset is trivially done
		if err := s.persistState(ctx, item.Work.AssetID, asset.StateDone, 0, 0); err != nil {
			return false, err
		}
		s.countCompleted(asset.StateDone)
		return true, s.queue.Delete(ctx, item)
	}

	if err := s.markRunning(ctx, item.Work.AssetID); err != nil {
		s.logger.Warn("asset state update failed", "asset", item.Work.AssetID, "error", err)
	}

	s.current = &inflight{
		assetID:    item.Work.AssetID,
		masterItem: item,
		total:      n,
		children:   make(map[string]childState, n),
	}
	s.logger.Info("asset cycle started", "asset", item.Work.AssetID, "children", n)
	return true, nil
}

// claimChild claims one work item belonging to the in-flight Asset
// and launches it asynchronously. Items bound to other Assets are put
// back for the drain schedules.
func (s *Scheduler) claimChild(ctx context.Context, pool *taskpool.Pool[*queue.Item]) (bool, error) {
	for _, topic := range []string{queue.TopicRealtime, queue.TopicBackground} {
		for range foreignClaimLimit {
			item, err := s.queue.Claim(ctx, topic)
			if err != nil {
				return false, errors.Wrap(err, "Scheduler", "claimChild", "work queue claim")
			}
			if item == nil {
				break
			}
			if item.Work.AssetID != s.current.assetID {
				if relErr := s.queue.Release(ctx, item); relErr != nil {
					return false, errors.Wrap(relErr, "Scheduler", "claimChild", "foreign item release")
				}
				continue
			}
			if err := pool.Submit(item); err != nil {
				// cap or queue pressure, put it back for the next wake
				if relErr := s.queue.Release(ctx, item); relErr != nil {
					return false, errors.Wrap(relErr, "Scheduler", "claimChild", "item release")
				}
				return false, nil
			}
			s.current.children[item.Work.ID] = childProcessing
			return true, nil
		}
	}
	return false, nil
}

// execute runs one claimed item and reports its result to the loop
func (s *Scheduler) execute(ctx context.Context, item *queue.Item) error {
	outcome, err := s.worker.Process(ctx, item)
	s.results <- childResult{itemID: item.Work.ID, outcome: outcome, err: err}
	return err
}

// foldResults drains finished tasks into the child state map
func (s *Scheduler) foldResults() bool {
	folded := false
	for {
		select {
		case res := <-s.results:
			folded = true
			if s.current == nil {
				continue
			}
			switch {
			case res.err != nil, res.outcome == worker.OutcomeParked:
				s.current.children[res.itemID] = childError
			case res.outcome == worker.OutcomeRetried:
				// back on its queue, claimable again
				s.current.children[res.itemID] = childToProcess
			default:
				s.current.children[res.itemID] = childDone
			}
		default:
			return folded
		}
	}
}

// finish folds the cycle's outcome into the Asset, persists it once,
// removes the Asset from the master queue and clears scratch state.
func (s *Scheduler) finish(ctx context.Context, state asset.ProcessingState, done, failed int) error {
	cur := s.current
	if err := s.persistState(ctx, cur.assetID, state, done, failed); err != nil {
		return err
	}
	if err := s.queue.Delete(ctx, cur.masterItem); err != nil {
		return errors.Wrap(err, "Scheduler", "finish", "master item removal")
	}

	s.countCompleted(state)
	if s.metrics != nil {
		s.metrics.ChildrenInFlight.Set(0)
	}
	s.logger.Info("asset cycle finished",
		"asset", cur.assetID, "state", string(state), "done", done, "failed", failed)
	s.current = nil
	return nil
}

func (s *Scheduler) markRunning(ctx context.Context, assetID string) error {
	return s.assets.Mutate(ctx, assetID, func(a *asset.Asset) error {
		a.State = asset.StateRunning
		return nil
	})
}

func (s *Scheduler) persistState(ctx context.Context, assetID string, state asset.ProcessingState, done, failed int) error {
	err := s.assets.Mutate(ctx, assetID, func(a *asset.Asset) error {
		a.State = state
		a.LogActivity("scheduler", "info",
			fmt.Sprintf("processing cycle finished: %d done, %d failed", done, failed))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Scheduler", "finish", "asset state persistence")
	}
	return nil
}

func (s *Scheduler) countCompleted(state asset.ProcessingState) {
	if s.metrics != nil {
		s.metrics.AssetsCompleted.WithLabelValues(string(state)).Inc()
	}
}

func (s *Scheduler) beatLiveness(ctx context.Context) {
	if s.liveness == nil {
		return
	}
	if err := s.liveness.Beat(ctx); err != nil {
		s.logger.Warn("liveness beat failed", "error", err)
	}
}

func (s *Scheduler) clearLiveness() {
	if s.liveness == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.liveness.Clear(ctx); err != nil {
		s.logger.Warn("liveness clear failed", "error", err)
	}
}
