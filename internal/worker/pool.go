// Package worker runs mutating hypervisor and storage jobs on a fixed pool
// of goroutines. One job occupies one worker until completion; the outcome
// is handed back through the job's completion callback.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
)

var (
	// ErrQueueFull is returned when the pending-job buffer is exhausted.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped is returned for submissions after shutdown began.
	ErrStopped = errors.New("worker pool is stopped")
)

// Job couples the work with its completion delivery. Run executes on a
// worker goroutine; Done is invoked on the same goroutine afterwards and
// owns emitting the RPC response. Jobs must not share mutable state with
// one another beyond the thread-safe engine components.
type Job struct {
	Label string
	Run   func(ctx context.Context) (any, error)
	Done  func(result any, err error)
}

// Pool is the task runtime. Submit never blocks.
type Pool struct {
	workers int
	jobs    chan Job

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queueDepth),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Op().Info("worker pool started", "workers", p.workers, "queue_depth", cap(p.jobs))
}

// Stop rejects new submissions, drains queued and in-flight jobs, then
// shuts the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	logging.Op().Info("worker pool stopped")
}

// Submit enqueues a job. It fails fast rather than blocking the dispatcher.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.started {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runOne(ctx, job)
	}
}

func (p *Pool) runOne(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("worker job panicked", "job", job.Label, "panic", r)
			job.Done(nil, errors.New("internal error"))
		}
	}()

	if ctx.Err() != nil {
		job.Done(nil, ErrStopped)
		return
	}

	result, err := job.Run(ctx)
	metrics.ObserveJob(job.Label, time.Since(start), err == nil)
	job.Done(result, err)
}
