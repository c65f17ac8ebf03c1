// Package workers implements the fixed-size background worker pool used to
// run every deferred operation of the allocation engine: hit-count updates,
// sample offers, rollovers, classifier RPCs, and heap adjustments. Tasks are
// submitted and forgotten by the caller (submit-detach); the pool logs
// failures instead of returning them to the submitter.
package workers

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dase955/artcache/pkg/logging"
)

// Task is a unit of background work.
type Task interface {
	// Execute performs the work and returns a result or error.
	Execute(ctx context.Context) (interface{}, error)
	// ID identifies the task for logging and result correlation.
	ID() string
}

// Result is the outcome of a Task execution.
type Result struct {
	TaskID   string
	Value    interface{}
	Error    error
	Duration time.Duration
}

// Config controls pool sizing.
type Config struct {
	// WorkerCount is the number of shards/workers. If 0, defaults to
	// runtime.NumCPU(); the host usually supplies
	// Config.FilterCacheThreadsNum.
	WorkerCount int
	// BufferSize is the per-shard queue depth. If 0, defaults to 64.
	BufferSize int
	// ShutdownTimeout bounds graceful drain before workers are abandoned.
	// If 0, defaults to 30 seconds.
	ShutdownTimeout time.Duration
	// OnResult, if set, is called after every task finishes (success or
	// failure) with its outcome. It runs on the worker goroutine, so it
	// must not block or resubmit to the same shard. Nil is a safe default
	// that simply drops results.
	OnResult func(Result)
}

// Pool is a fixed-size worker pool with one FIFO queue per shard. Submitting
// with the same shard key always preserves submission order for that key,
// satisfying the per-caller FIFO requirement without forcing a single
// global queue.
type Pool struct {
	config  Config
	log     *logging.Logger
	shards  []chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  atomic.Bool

	submitted int64
	completed int64
	failed    int64

	mu sync.Mutex
}

// NewPool builds a Pool; call Start before Submit.
func NewPool(config Config, log *logging.Logger) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}

	ctx, cancel := context.WithCancel(context.Background())
	shards := make([]chan Task, config.WorkerCount)
	for i := range shards {
		shards[i] = make(chan Task, config.BufferSize)
	}

	return &Pool{
		config: config,
		log:    log.WithComponent("workers"),
		shards: shards,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start spawns one worker goroutine per shard.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	if p.closed.Load() {
		return fmt.Errorf("pool has been shut down")
	}

	for i, shard := range p.shards {
		p.wg.Add(1)
		go p.worker(i, shard)
	}
	p.started = true
	return nil
}

func (p *Pool) worker(id int, tasks chan Task) {
	defer p.wg.Done()
	for task := range tasks {
		start := time.Now()
		value, err := task.Execute(p.ctx)
		atomic.AddInt64(&p.completed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.log.WithField("task", task.ID()).WithField("worker", id).
				Warnf("background task failed: %v", err)
		}
		if p.config.OnResult != nil {
			p.config.OnResult(Result{TaskID: task.ID(), Value: value, Error: err, Duration: time.Since(start)})
		}
	}
}

// shardFor hashes the shard key into a worker index, so every task
// submitted under the same key lands on the same FIFO queue.
func (p *Pool) shardFor(shardKey string) int {
	if len(p.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(shardKey))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Submit enqueues task on the shard identified by shardKey and returns
// immediately (submit-detach). Tasks submitted with the same shardKey run
// in submission order. Returns an error only if the pool isn't running or
// the shard's queue is full.
func (p *Pool) Submit(shardKey string, task Task) error {
	if !p.started {
		return fmt.Errorf("pool not started")
	}
	if p.closed.Load() {
		return fmt.Errorf("pool is shutting down")
	}

	shard := p.shards[p.shardFor(shardKey)]
	select {
	case shard <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("pool context cancelled")
	default:
		return fmt.Errorf("task queue full for shard key %q", shardKey)
	}
}

// SubmitFunc wraps a plain function as a Task for one-off submissions.
type SubmitFunc struct {
	TaskID string
	Fn     func(ctx context.Context) (interface{}, error)
}

func (f SubmitFunc) Execute(ctx context.Context) (interface{}, error) { return f.Fn(ctx) }
func (f SubmitFunc) ID() string                                       { return f.TaskID }

// Stats reports pool counters.
type Stats struct {
	WorkerCount int
	Submitted   int64
	Completed   int64
	Failed      int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		WorkerCount: len(p.shards),
		Submitted:   atomic.LoadInt64(&p.submitted),
		Completed:   atomic.LoadInt64(&p.completed),
		Failed:      atomic.LoadInt64(&p.failed),
	}
}

// Shutdown closes every shard queue, drains queued tasks, and joins workers,
// forcing a cancellation if draining exceeds ShutdownTimeout.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil
	}
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool not started")
	}
	p.closed.Store(true)
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		p.wg.Wait()
	}
	return nil
}
