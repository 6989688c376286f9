// Package parallel provides the fixed-size worker pool used by the fence
// engine.
package parallel

import (
	"sync"
	"sync/atomic"
)

// Processor handles one job on the worker that owns it.
type Processor[T any] func(job T)

// Pool is a fixed-size pool of worker goroutines with one FIFO queue each.
//
// Jobs are distributed round-robin: a monotonic counter modulo the worker
// count picks the queue, so consecutive submissions land on different
// workers regardless of how busy each one is. A worker completes one job
// before starting the next, which makes it safe for jobs to block (waiting
// on a fence, for example) without stalling jobs queued elsewhere.
//
// Each worker is built with its own Processor, created by the factory given
// to NewPool. Per-worker state (a wait context, scratch buffers) lives in
// that closure and is never shared between workers.
//
// Thread safety: Pool is safe for concurrent use.
type Pool[T any] struct {
	workers []*worker[T]

	// next is the round-robin submission counter.
	next atomic.Uint64

	// wg waits for all workers to exit.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	closeOnce sync.Once
}

// item is one queue entry. A stop item is the sentinel that ends a worker
// after everything queued before it has run.
type item[T any] struct {
	job  T
	stop bool
}

type worker[T any] struct {
	id      int
	process Processor[T]

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item[T]
	stopped bool
}

// NewPool starts a pool with n workers. newProcessor is called once per
// worker, with the worker index, before the worker starts. If n is 0 or
// negative, a single worker is started.
func NewPool[T any](n int, newProcessor func(workerID int) Processor[T]) *Pool[T] {
	if n <= 0 {
		n = 1
	}
	p := &Pool[T]{
		workers: make([]*worker[T], n),
	}
	for i := range n {
		w := &worker[T]{
			id:      i,
			process: newProcessor(i),
		}
		w.cond = sync.NewCond(&w.mu)
		p.workers[i] = w
	}

	p.running.Store(true)
	p.wg.Add(n)
	for _, w := range p.workers {
		go p.run(w)
	}
	return p
}

// run is the main loop of one worker.
func (p *Pool[T]) run(w *worker[T]) {
	defer p.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		it := w.queue[0]
		w.queue[0] = item[T]{}
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if it.stop {
			return
		}
		w.process(it.job)
	}
}

// Enqueue appends job to the queue of the next worker in round-robin order
// and returns that worker's index. It returns -1 without queuing if the
// pool is closed. An accepted job always runs before its worker exits.
func (p *Pool[T]) Enqueue(job T) int {
	if !p.running.Load() {
		return -1
	}
	idx := int(p.next.Add(1)-1) % len(p.workers) //nolint:gosec // worker count is small
	if !p.workers[idx].push(item[T]{job: job}) {
		return -1
	}
	return idx
}

// push queues it unless the worker has already been given its stop item.
func (w *worker[T]) push(it item[T]) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, it)
	w.stopped = it.stop
	w.mu.Unlock()
	w.cond.Signal()
	return true
}

// Close stops accepting work, queues the stop sentinel behind every
// worker's pending jobs and waits for all workers to drain and exit.
// Close is safe to call multiple times.
func (p *Pool[T]) Close() {
	p.closeOnce.Do(func() {
		p.running.Store(false)
		for _, w := range p.workers {
			w.push(item[T]{stop: true})
		}
		p.wg.Wait()
	})
}

// Workers returns the number of workers in the pool.
func (p *Pool[T]) Workers() int {
	return len(p.workers)
}

// IsRunning reports whether the pool is still accepting work.
func (p *Pool[T]) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the number of jobs waiting across all queues. The
// value is a snapshot and may be stale by the time it is read.
func (p *Pool[T]) QueuedWork() int {
	total := 0
	for _, w := range p.workers {
		w.mu.Lock()
		for _, it := range w.queue {
			if !it.stop {
				total++
			}
		}
		w.mu.Unlock()
	}
	return total
}
