package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

// Operation is a unit of work run by a Scheduler.
type Operation func(ctx context.Context) error

// Scheduler serializes the operations of one kernel.
//
// Operations run one at a time in FIFO order on a worker goroutine that is
// started on demand and exits once the queue is empty. An operation scheduled
// from inside the operation currently running on the same scheduler (detected
// through the context it was handed) runs inline instead of being queued,
// otherwise a kernel sending to itself would wait on itself forever.
//
// Cancellation: an operation whose context is cancelled before the worker
// picks it up is skipped and settles with ctx.Err(). Once started it runs to
// completion and is expected to observe cancellation on its own.
type Scheduler struct {
	name    string
	logger  logging.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	queue    []*scheduled
	deferred []*scheduled
	running  bool
	closed   bool
	idle     chan struct{}
}

type scheduled struct {
	ctx     context.Context
	op      Operation
	done    chan struct{}
	err     error
	started bool
}

type schedulerKey struct{ s *Scheduler }

// NewScheduler creates a scheduler. name labels logs and metrics.
func NewScheduler(name string, logger logging.Logger, metrics *telemetry.Metrics) *Scheduler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Scheduler{name: name, logger: logger, metrics: metrics}
}

// IsCurrent reports whether ctx belongs to an operation running on s.
func (s *Scheduler) IsCurrent(ctx context.Context) bool {
	return ctx.Value(schedulerKey{s}) != nil
}

// Schedule runs op after every operation queued before it and returns op's
// error.
func (s *Scheduler) Schedule(ctx context.Context, op Operation) error {
	if s.IsCurrent(ctx) {
		return s.run(ctx, op)
	}

	item := &scheduled{ctx: ctx, op: op, done: make(chan struct{})}
	if err := s.enqueue(item); err != nil {
		return err
	}

	select {
	case <-item.done:
		return item.err
	case <-ctx.Done():
		if s.cancelPending(item) {
			return ctx.Err()
		}
		<-item.done
		return item.err
	}
}

// Defer parks op in a side buffer until RunDeferred or the next Schedule
// through Send.
func (s *Scheduler) Defer(ctx context.Context, op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, &scheduled{ctx: ctx, op: op, done: make(chan struct{})})
}

// DeferredCount returns the number of parked operations.
func (s *Scheduler) DeferredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// Len returns the number of queued operations not yet started.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunDeferred moves the deferred operations ahead of anything scheduled
// afterwards. Called from an operation of s itself they run inline, in order,
// before it returns; otherwise they are queued and RunDeferred does not wait.
// The first inline error stops the drain and the rest are discarded.
func (s *Scheduler) RunDeferred(ctx context.Context) error {
	s.mu.Lock()
	items := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	if s.IsCurrent(ctx) {
		for _, item := range items {
			if err := s.run(item.ctx, item.op); err != nil {
				return err
			}
		}
		return nil
	}

	for _, item := range items {
		if err := s.enqueue(item); err != nil {
			return err
		}
	}

	return nil
}

// Close stops accepting operations. Queued operations still run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.deferred = nil
}

// Wait blocks until the worker is idle or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) enqueue(item *scheduled) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %s", core.ErrKernelDisposed, s.name)
	}

	s.queue = append(s.queue, item)
	s.metrics.SetQueueDepth(s.name, len(s.queue))

	if !s.running {
		s.running = true
		go s.worker()
	}

	return nil
}

func (s *Scheduler) cancelPending(item *scheduled) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.started {
		return false
	}
	for i, q := range s.queue {
		if q == item {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			s.metrics.SetQueueDepth(s.name, len(s.queue))
			break
		}
	}
	item.started = true
	item.err = item.ctx.Err()
	close(item.done)

	return true
}

func (s *Scheduler) worker() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			if s.idle != nil {
				close(s.idle)
				s.idle = nil
			}
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		item.started = true
		s.metrics.SetQueueDepth(s.name, len(s.queue))
		s.mu.Unlock()

		if err := item.ctx.Err(); err != nil {
			s.logger.Debug("skipping cancelled operation", "kernel", s.name, "error", err)
			item.err = err
		} else {
			item.err = s.run(item.ctx, item.op)
		}
		close(item.done)
	}
}

// run executes op with s marked current on its context. Panics become errors
// so one bad operation cannot kill the worker.
func (s *Scheduler) run(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation panicked", "kernel", s.name, "panic", r)
			err = fmt.Errorf("%w: %v", core.ErrUnhandledMiddleware, r)
		}
	}()

	if !s.IsCurrent(ctx) {
		ctx = context.WithValue(ctx, schedulerKey{s}, true)
	}

	return op(ctx)
}
