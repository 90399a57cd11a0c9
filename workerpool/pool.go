// Package workerpool provides the bounded pools that run connection setup,
// server dispatch and general client tasks.
//
// Pool design: a fixed set of workers drains a buffered channel, the channel
// being the bounded backlog. Submit never blocks: when the backlog is full the
// task is rejected with ErrRejected, so overload surfaces at the caller
// instead of queuing without bound.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"netrpc/metrics"
)

var (
	ErrRejected = errors.New("workerpool: backlog full, task rejected")
	ErrStopped  = errors.New("workerpool: pool stopped")
)

// Pool is a fixed-size worker pool with a bounded backlog.
type Pool struct {
	name   string
	tasks  chan func()
	group  errgroup.Group
	logger *zap.Logger

	mu      sync.RWMutex // guards stopped and sends on tasks
	stopped bool
	done    chan struct{}
}

// New starts workers goroutines sharing a backlog of queueSize tasks.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.L()
	}
	p := &Pool{
		name:   name,
		tasks:  make(chan func(), queueSize),
		logger: logger.Named("pool").With(zap.String("pool", name)),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		p.group.Wait()
		close(p.done)
	}()
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

// run keeps a panicking task from taking its worker down.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Submit queues task. It fails with ErrRejected when the backlog is full and
// with ErrStopped once Stop was called.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		metrics.PoolRejections.WithLabelValues(p.name).Inc()
		return ErrRejected
	}
}

// Stop refuses new tasks, lets the workers drain the backlog and waits for
// them until ctx is done. Calling Stop more than once is safe.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
