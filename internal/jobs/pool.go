// Package jobs runs pipeline jobs asynchronously on a fixed set of workers
// and exposes triggers over NATS.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool defaults.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 16
)

var (
	ErrQueueFull  = errors.New("jobs: queue full")
	ErrPoolClosed = errors.New("jobs: pool closed")
)

// Task is one unit of work. The context is cancelled on shutdown.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	ctx    context.Context
	queue  chan Task
	group  *errgroup.Group
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines consuming a queue of queueSize tasks.
// Cancelling ctx is passed on to running tasks.
func NewPool(ctx context.Context, workers, queueSize int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}

	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		ctx:    gctx,
		queue:  make(chan Task, queueSize),
		group:  g,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for task := range p.queue {
				p.run(task)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("jobs: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task(p.ctx)
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	return nil
}
