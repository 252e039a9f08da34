// Package taskpool provides a small generic pool for asynchronously
// launched tasks with a hard concurrency cap. The scheduler uses it to
// run child processor executions: the cap is the pool's worker count,
// completion is observed by the process function itself (send on a
// result channel), and Submit never blocks the control loop.
package taskpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/esmero/strawberry-runners-sub000/metric"
)

// Sentinel errors
var (
	ErrNotStarted     = errors.New("task pool not started")
	ErrStopped        = errors.New("task pool stopped")
	ErrAlreadyStarted = errors.New("task pool already started")
	ErrFull           = errors.New("task pool queue full")
	ErrNilProcess     = errors.New("process function cannot be nil")
	ErrStopTimeout    = errors.New("timeout waiting for tasks to finish")
)

// Pool runs tasks of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error

	tasks chan T
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	inFlight prometheus.Gauge
	registry *metric.MetricsRegistry
	prefix   string
}

// Option configures a pool
type Option[T any] func(*Pool[T])

// WithMetrics registers an in-flight gauge with the metrics registry
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// New creates a pool. workers is the hard concurrency cap; queueSize
// bounds tasks accepted but not yet running.
func New[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if process == nil {
		panic(ErrNilProcess)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		tasks:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p.prefix + "_in_flight",
			Help: "Tasks currently executing",
		})
		if err := p.registry.Register("taskpool", p.prefix+"_in_flight", p.inFlight); err != nil {
			p.inFlight = nil
		}
	}
	return p
}

// Start launches the worker goroutines
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return nil
}

// Submit hands a task to the pool without blocking. A full queue is a
// backpressure signal, not a wait.
func (p *Pool[T]) Submit(task T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrFull
	}
}

// Stop closes the pool and waits up to timeout for running tasks
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.registry != nil && p.prefix != "" {
			p.registry.Unregister("taskpool", p.prefix+"_in_flight")
		}
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats is a point-in-time snapshot of pool counters
type Stats struct {
	Workers   int
	Queued    int
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// Stats returns the pool's counters
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			if p.inFlight != nil {
				p.inFlight.Inc()
			}
			err := p.process(ctx, task)
			if p.inFlight != nil {
				p.inFlight.Dec()
			}
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
		}
	}
}
