package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Pool Creation Tests
// =============================================================================

func TestPool_Create(t *testing.T) {
	pool := NewPool(4, func(int) Processor[int] { return func(int) {} })
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestPool_CreateNonPositiveWorkers(t *testing.T) {
	for _, n := range []int{0, -3} {
		pool := NewPool(n, func(int) Processor[int] { return func(int) {} })
		if pool.Workers() != 1 {
			t.Errorf("NewPool(%d).Workers() = %d, want 1", n, pool.Workers())
		}
		pool.Close()
	}
}

func TestPool_ProcessorPerWorker(t *testing.T) {
	var built atomic.Int32
	seen := make([]int, 0, 4)
	var mu sync.Mutex
	pool := NewPool(4, func(id int) Processor[int] {
		built.Add(1)
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		return func(int) {}
	})
	defer pool.Close()

	if built.Load() != 4 {
		t.Errorf("factory calls = %d, want 4", built.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	ids := map[int]bool{}
	for _, id := range seen {
		ids[id] = true
	}
	for i := range 4 {
		if !ids[i] {
			t.Errorf("worker %d never built", i)
		}
	}
}

// =============================================================================
// Distribution Tests
// =============================================================================

func TestPool_RoundRobin(t *testing.T) {
	pool := NewPool(4, func(int) Processor[int] { return func(int) {} })
	defer pool.Close()

	for i := range 12 {
		if got := pool.Enqueue(i); got != i%4 {
			t.Errorf("Enqueue #%d went to worker %d, want %d", i, got, i%4)
		}
	}
}

func TestPool_FIFOPerWorker(t *testing.T) {
	var mu sync.Mutex
	order := map[int][]int{}
	pool := NewPool(2, func(id int) Processor[int] {
		return func(job int) {
			mu.Lock()
			order[id] = append(order[id], job)
			mu.Unlock()
		}
	})

	for i := range 20 {
		pool.Enqueue(i)
	}
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	for id, jobs := range order {
		for i := 1; i < len(jobs); i++ {
			if jobs[i] < jobs[i-1] {
				t.Fatalf("worker %d ran jobs out of order: %v", id, jobs)
			}
		}
	}
	if len(order[0])+len(order[1]) != 20 {
		t.Errorf("jobs run = %d, want 20", len(order[0])+len(order[1]))
	}
}

func TestPool_BlockingJobDoesNotStallOtherWorkers(t *testing.T) {
	release := make(chan struct{})
	done := make(chan int, 4)
	pool := NewPool(2, func(int) Processor[int] {
		return func(job int) {
			if job == 0 {
				<-release
			}
			done <- job
		}
	})
	defer pool.Close()

	pool.Enqueue(0) // worker 0 blocks
	pool.Enqueue(1) // worker 1 runs

	select {
	case got := <-done:
		if got != 1 {
			t.Fatalf("first finished job = %d, want 1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker 1 stalled behind a blocking job on worker 0")
	}
	close(release)
	<-done
}

// =============================================================================
// Close Tests
// =============================================================================

func TestPool_CloseDrainsQueues(t *testing.T) {
	var counter atomic.Int64
	pool := NewPool(3, func(int) Processor[int] {
		return func(int) {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		}
	})
	for i := range 30 {
		pool.Enqueue(i)
	}
	pool.Close()

	if counter.Load() != 30 {
		t.Errorf("counter = %d, want 30 (jobs queued before Close must run)", counter.Load())
	}
}

func TestPool_EnqueueAfterClose(t *testing.T) {
	pool := NewPool(2, func(int) Processor[int] { return func(int) {} })
	pool.Close()

	if pool.IsRunning() {
		t.Error("Pool should not be running after Close")
	}
	if got := pool.Enqueue(1); got != -1 {
		t.Errorf("Enqueue after Close = %d, want -1", got)
	}
	pool.Close() // idempotent
}

func TestPool_QueuedWork(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, func(int) Processor[int] {
		return func(int) { <-release }
	})

	pool.Enqueue(0)
	pool.Enqueue(1)
	pool.Enqueue(2)

	deadline := time.Now().Add(2 * time.Second)
	for pool.QueuedWork() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := pool.QueuedWork(); got != 2 {
		t.Errorf("QueuedWork() = %d, want 2", got)
	}
	close(release)
	pool.Close()
}

func TestWorker_PushAfterStopRejected(t *testing.T) {
	w := &worker[int]{}
	w.cond = sync.NewCond(&w.mu)
	if !w.push(item[int]{job: 1}) || !w.push(item[int]{stop: true}) {
		t.Fatal("push before stop rejected")
	}
	if w.push(item[int]{job: 2}) {
		t.Error("push after stop item accepted")
	}
	if len(w.queue) != 2 || !w.queue[1].stop {
		t.Errorf("queue = %+v, want job then stop", w.queue)
	}
}

func TestPool_EnqueueRacingCloseRunsAccepted(t *testing.T) {
	for range 200 {
		var ran atomic.Int64
		pool := NewPool(4, func(int) Processor[int] {
			return func(int) { ran.Add(1) }
		})

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range 50 {
					if pool.Enqueue(j) >= 0 {
						accepted.Add(1)
					}
				}
			}()
		}
		pool.Close()
		wg.Wait()

		if ran.Load() != accepted.Load() {
			t.Fatalf("ran %d jobs, accepted %d", ran.Load(), accepted.Load())
		}
	}
}
