package fence

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/vgpu/internal/parallel"
)

// ErrClosed is returned when work is submitted to a closed engine.
var ErrClosed = errors.New("fence: engine closed")

// Default engine parameters.
const (
	DefaultWorkers = 4
	DefaultTimeout = 5 * time.Second
)

// Config configures an Engine.
type Config struct {
	// Workers is the number of wait workers. Zero means DefaultWorkers.
	Workers int

	// Timeout bounds each individual wait. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger receives timeout warnings. Nil disables logging.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(nopHandler{})
	}
	return c
}

type jobKind uint8

const (
	jobIncrement jobKind = iota
	jobCallback
	jobBlocking
)

func (k jobKind) String() string {
	switch k {
	case jobIncrement:
		return "wait_then_increment"
	case jobCallback:
		return "wait_then_callback"
	default:
		return "blocking_wait"
	}
}

// job is one queued wait. It runs exactly once on one worker.
type job struct {
	kind     jobKind
	waitable Waitable
	timeline *Timeline
	callback func()
	signal   *Signal
}

// workerContext is the state each worker owns exclusively.
type workerContext struct {
	id      int
	timeout time.Duration
	log     *slog.Logger
	engine  *Engine
}

// Engine blocks on completion primitives in a fixed pool of workers and
// turns each completion into a signal, a timeline increment or a callback.
//
// A wait that times out or fails is logged as a warning and still treated
// as complete: consumers are guaranteed to be signaled eventually and never
// hang on a lost primitive. Signal.TimedOut distinguishes the two cases.
type Engine struct {
	cfg  Config
	pool *parallel.Pool[job]

	completed atomic.Uint64
	timeouts  atomic.Uint64
}

// NewEngine starts an engine.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{cfg: cfg}
	e.pool = parallel.NewPool(cfg.Workers, func(id int) parallel.Processor[job] {
		wc := &workerContext{
			id:      id,
			timeout: cfg.Timeout,
			log:     cfg.Logger.With(slog.Int("fence_worker", id)),
			engine:  e,
		}
		return wc.run
	})
	return e
}

func (wc *workerContext) run(j job) {
	ok, err := j.waitable.Wait(wc.timeout)
	if !ok || err != nil {
		wc.engine.timeouts.Add(1)
		wc.log.Warn("fence: wait did not complete, signaling anyway",
			slog.String("waitable", j.waitable.Label()),
			slog.String("job", j.kind.String()),
			slog.Duration("timeout", wc.timeout),
			slog.Any("err", err))
	}

	switch j.kind {
	case jobIncrement:
		if j.timeline != nil {
			j.timeline.Increment()
		}
	case jobCallback:
		if j.callback != nil {
			j.callback()
		}
	}

	wc.engine.completed.Add(1)
	if !ok || err != nil {
		j.signal.completeTimedOut()
		return
	}
	j.signal.Complete()
}

func (e *Engine) submit(j job) (*Signal, error) {
	j.signal = NewSignal()
	if e.pool.Enqueue(j) < 0 {
		return nil, ErrClosed
	}
	return j.signal, nil
}

// WaitThenIncrement waits for w and then increments tl. The returned signal
// completes after the increment.
func (e *Engine) WaitThenIncrement(w Waitable, tl *Timeline) (*Signal, error) {
	return e.submit(job{kind: jobIncrement, waitable: w, timeline: tl})
}

// WaitThenCallback waits for w and then runs cb on the worker. The
// returned signal completes after cb returns.
func (e *Engine) WaitThenCallback(w Waitable, cb func()) (*Signal, error) {
	return e.submit(job{kind: jobCallback, waitable: w, callback: cb})
}

// BlockingWait queues a wait for w and returns immediately. The returned
// signal completes when the wait ends.
func (e *Engine) BlockingWait(w Waitable) (*Signal, error) {
	return e.submit(job{kind: jobBlocking, waitable: w})
}

// Completed returns the number of jobs run to completion.
func (e *Engine) Completed() uint64 {
	return e.completed.Load()
}

// Timeouts returns the number of waits that timed out or failed.
func (e *Engine) Timeouts() uint64 {
	return e.timeouts.Load()
}

// Workers returns the worker count.
func (e *Engine) Workers() int {
	return e.pool.Workers()
}

// Close drains every queued job and stops the workers.
func (e *Engine) Close() {
	e.pool.Close()
}
