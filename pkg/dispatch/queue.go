// Package dispatch runs kernels against a device: command buffers are
// committed to a queue and executed one at a time, their threads scheduled
// on a worker pool.
//
// A thread that panics, or a buffer that exceeds its time limit, aborts the
// whole command buffer. Threads not yet started are skipped, the context of
// running ones is cancelled, and the buffer stays in flight until every
// running thread has returned. Kernels hand their thread's context to the
// engine (Engine.WithContext) so threads waiting on a slot give up. A slot
// held by the aborting thread may stay held; subscribers to the queue's
// fault signal are told which resources the buffer used so they can recover
// them once it has drained.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/pkg/device"
)

var (
	ErrQueueClosed = errors.New("dispatch: queue closed")
	ErrCommitted   = errors.New("dispatch: command buffer already committed")
	ErrTimeout     = errors.New("dispatch: command buffer exceeded its time limit")
	ErrAborted     = errors.New("dispatch: thread aborted")
)

// Fault describes an aborted command buffer.
type Fault struct {
	Buffer    *CommandBuffer
	Resources []any
	Err       error
}

// Queue executes committed command buffers in commit order.
type Queue struct {
	dev    *device.Device
	config *Config
	q      *queuepkg.Queue
	pool   *ants.Pool

	nextID    atomic.Uint64
	committed cmap.ConcurrentMap[uint64, *CommandBuffer]

	mu          sync.RWMutex
	subscribers map[uint64]func(Fault)
	nextSub     uint64

	closed atomic.Bool
	done   chan struct{}
}

// NewQueue starts a queue on dev. A nil config uses DefaultConfig.
func NewQueue(dev *device.Device, config *Config) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(config.Workers, ants.WithPanicHandler(func(p any) {
		logging.Internal.Errorf("dispatch: worker panic escaped thread recovery: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("dispatch: create worker pool: %w", err)
	}
	q := &Queue{
		dev:    dev,
		config: config,
		q:      queuepkg.New(config.QueueCapacity),
		pool:   pool,
		committed: cmap.NewWithCustomShardingFunction[uint64, *CommandBuffer](func(id uint64) uint32 {
			return uint32(id)
		}),
		subscribers: make(map[uint64]func(Fault)),
		done:        make(chan struct{}),
	}
	go q.run()
	return q, nil
}

func (q *Queue) Device() *device.Device { return q.dev }

// CommandBuffer creates an empty command buffer on the queue.
func (q *Queue) CommandBuffer(label string) *CommandBuffer {
	return &CommandBuffer{
		id:    q.nextID.Add(1),
		queue: q,
		label: label,
		done:  make(chan struct{}),
	}
}

// Subscribe registers fn for the fault signal. fn runs on the queue's
// executor before the faulted buffer is marked finished and before the next
// buffer starts. The returned func unsubscribes.
func (q *Queue) Subscribe(fn func(Fault)) (unsubscribe func()) {
	q.mu.Lock()
	q.nextSub++
	id := q.nextSub
	q.subscribers[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

// InFlight reports whether a command buffer that is executing, or whose
// threads are still running, uses resource.
func (q *Queue) InFlight(resource any) bool {
	busy := false
	q.committed.IterCb(func(_ uint64, cb *CommandBuffer) {
		if !busy && (cb.live.Load() > 0 || cb.Status() == StatusScheduled) && cb.uses(resource) {
			busy = true
		}
	})
	return busy
}

// Pending returns the number of committed buffers not yet finished.
func (q *Queue) Pending() int { return q.committed.Count() }

func (q *Queue) submit(cb *CommandBuffer) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.committed.Set(cb.id, cb)
	if err := q.q.Put(cb); err != nil {
		q.committed.Remove(cb.id)
		return fmt.Errorf("%w: %w", ErrQueueClosed, err)
	}
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		items, err := q.q.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			cb, ok := item.(*CommandBuffer)
			if !ok {
				logging.Internal.Warnf("dispatch: unexpected queue item %T", item)
				continue
			}
			q.execute(cb)
		}
	}
}

func (q *Queue) finish(cb *CommandBuffer, err error) {
	status := StatusCompleted
	if err != nil {
		status = StatusError
	}
	cb.mu.Lock()
	executed := cb.status == StatusScheduled
	cb.status = status
	cb.err = err
	cb.mu.Unlock()
	q.config.Metrics.ObserveCommandBuffer(status.String())

	// Buffers that never started touched nothing and need no recovery.
	if err != nil && executed {
		logging.Internal.Warnf("dispatch: command buffer %q aborted: %v", cb.label, err)
		q.mu.RLock()
		subs := make([]func(Fault), 0, len(q.subscribers))
		for _, fn := range q.subscribers {
			subs = append(subs, fn)
		}
		q.mu.RUnlock()
		fault := Fault{Buffer: cb, Resources: cb.Resources(), Err: err}
		for _, fn := range subs {
			fn(fault)
		}
	}
	q.committed.Remove(cb.id)
	close(cb.done)
}

// Close stops the queue. Buffers committed but not yet started finish with
// ErrQueueClosed.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.q.Dispose()
	<-q.done
	for _, cb := range q.committed.Items() {
		q.finish(cb, ErrQueueClosed)
	}
	q.pool.Release()
	return nil
}
