package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/pkg/atomic64"
)

const drainWarnEvery = time.Second

// Status is the life-cycle state of a command buffer.
type Status int

const (
	StatusNotEnqueued Status = iota
	StatusCommitted
	StatusScheduled
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotEnqueued:
		return "not_enqueued"
	case StatusCommitted:
		return "committed"
	case StatusScheduled:
		return "scheduled"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type command struct {
	pipeline *Pipeline
	grid     Grid
}

// CommandBuffer records dispatches and runs them once committed.
type CommandBuffer struct {
	id    uint64
	queue *Queue
	label string
	done  chan struct{}

	// live counts threads submitted to the pool that have not returned.
	live atomic.Int64

	mu        sync.RWMutex
	status    Status
	err       error
	commands  []command
	resources []any
}

func (cb *CommandBuffer) Label() string { return cb.label }

// UseResource declares that the buffer's kernels access r.
func (cb *CommandBuffer) UseResource(r any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusNotEnqueued {
		return
	}
	for _, have := range cb.resources {
		if have == r {
			return
		}
	}
	cb.resources = append(cb.resources, r)
}

// Resources returns the declared resources.
func (cb *CommandBuffer) Resources() []any {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return append([]any(nil), cb.resources...)
}

func (cb *CommandBuffer) uses(r any) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for _, have := range cb.resources {
		if have == r {
			return true
		}
	}
	return false
}

// Dispatch records a grid of kernel threads.
func (cb *CommandBuffer) Dispatch(p *Pipeline, grid Grid) error {
	if p.dev != cb.queue.dev {
		return fmt.Errorf("dispatch: pipeline %q belongs to another device", p.label)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusNotEnqueued {
		return ErrCommitted
	}
	cb.commands = append(cb.commands, command{pipeline: p, grid: grid})
	return nil
}

// Commit enqueues the buffer for execution.
func (cb *CommandBuffer) Commit() error {
	cb.mu.Lock()
	if cb.status != StatusNotEnqueued {
		cb.mu.Unlock()
		return ErrCommitted
	}
	cb.status = StatusCommitted
	cb.mu.Unlock()
	if err := cb.queue.submit(cb); err != nil {
		cb.mu.Lock()
		cb.status = StatusError
		cb.err = err
		cb.mu.Unlock()
		close(cb.done)
		return err
	}
	return nil
}

// Wait blocks until the buffer finished and returns its error.
func (cb *CommandBuffer) Wait(ctx context.Context) error {
	select {
	case <-cb.done:
		return cb.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live returns the number of the buffer's threads still running.
func (cb *CommandBuffer) Live() int { return int(cb.live.Load()) }

func (cb *CommandBuffer) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.status
}

// Err returns why the buffer was aborted, or nil.
func (cb *CommandBuffer) Err() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.err
}

// execute runs every recorded dispatch in order. On abort it cancels the
// threads' context and waits for every running thread to return before the
// buffer is finished.
func (q *Queue) execute(cb *CommandBuffer) {
	cb.mu.Lock()
	cb.status = StatusScheduled
	commands := cb.commands
	cb.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var timeout <-chan time.Time
	if q.config.TimeLimit > 0 {
		timer := time.NewTimer(q.config.TimeLimit)
		defer timer.Stop()
		timeout = timer.C
	}

	for _, cmd := range commands {
		if err := q.runCommand(ctx, cancel, cb, cmd, timeout); err != nil {
			q.finish(cb, err)
			return
		}
	}
	q.finish(cb, nil)
}

func (q *Queue) runCommand(ctx context.Context, cancel context.CancelFunc, cb *CommandBuffer, cmd command, timeout <-chan time.Time) error {
	var (
		wg      sync.WaitGroup
		aborted atomic.Bool
		fault   = make(chan error, 1)
		all     = make(chan struct{})
	)
	abort := func(err error) {
		if aborted.CompareAndSwap(false, true) {
			fault <- err
		}
	}

	go func() {
		defer close(all)
		for wgID := uint32(0); wgID < cmd.grid.Workgroups && !aborted.Load(); wgID++ {
			var scratch *atomic64.Scratch
			if cmd.pipeline.scratchSize > 0 {
				scratch = atomic64.NewScratch(wgID, cmd.pipeline.scratchSize)
			}
			for t := uint32(0); t < cmd.grid.ThreadsPerWorkgroup && !aborted.Load(); t++ {
				th := &Thread{
					ctx:       ctx,
					Workgroup: wgID,
					Index:     t,
					Global:    wgID*cmd.grid.ThreadsPerWorkgroup + t,
					Scratch:   scratch,
				}
				wg.Add(1)
				cb.live.Add(1)
				err := q.pool.Submit(func() {
					defer wg.Done()
					defer cb.live.Add(-1)
					defer func() {
						if r := recover(); r != nil {
							abort(fmt.Errorf("%w: %s thread %d: %v", ErrAborted, cmd.pipeline.label, th.Global, r))
						}
					}()
					if aborted.Load() {
						return
					}
					cmd.pipeline.kernel(th)
				})
				if err != nil {
					cb.live.Add(-1)
					wg.Done()
					abort(fmt.Errorf("dispatch: schedule thread: %w", err))
				}
			}
		}
		wg.Wait()
	}()

	var err error
	select {
	case <-all:
		select {
		case err = <-fault:
		default:
			return nil
		}
	case err = <-fault:
	case <-timeout:
		err = ErrTimeout
	}
	aborted.Store(true)
	cancel()
	q.drain(cb, all)
	return err
}

// drain waits until every thread of an aborted buffer has returned. Threads
// leave a slot wait once their context is cancelled; a kernel that ignores
// its context keeps the buffer in flight.
func (q *Queue) drain(cb *CommandBuffer, all <-chan struct{}) {
	ticker := time.NewTicker(drainWarnEvery)
	defer ticker.Stop()
	for {
		select {
		case <-all:
			return
		case <-ticker.C:
			logging.Internal.Warnf("dispatch: command buffer %q: waiting for %d aborted threads to return",
				cb.label, cb.live.Load())
		}
	}
}
