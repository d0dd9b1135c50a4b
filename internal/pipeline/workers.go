package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/datawallet/internal/metrics"
)

// ErrQueueFull is returned when the finalize queue has no free slot.
var ErrQueueFull = errors.New("finalize queue full")

// WorkerPool runs finalize jobs on a fixed number of workers fed from a
// bounded queue. A task id is queued at most once until its job finishes.
type WorkerPool struct {
	workers int
	jobs    chan string
	handle  func(ctx context.Context, taskID string)
	metrics *metrics.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewWorkerPool(workers, queueSize int, handle func(ctx context.Context, taskID string), m *metrics.Metrics, logger *log.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan string, queueSize),
		handle:  handle,
		metrics: m,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Enqueue schedules taskID without blocking. Ids already queued or running
// are ignored.
func (p *WorkerPool) Enqueue(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[taskID]; ok {
		return nil
	}
	select {
	case p.jobs <- taskID:
		p.pending[taskID] = struct{}{}
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Depth() int {
	return len(p.jobs)
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has returned. Queued jobs not yet started stay queued.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Printf("[PIPELINE] finalize workers stopped (queued=%d)", len(p.jobs))
	return err
}

func (p *WorkerPool) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.metrics.SetQueueDepth(len(p.jobs))
			p.handle(ctx, id)
			p.mu.Lock()
			delete(p.pending, id)
			p.mu.Unlock()
		}
	}
}
