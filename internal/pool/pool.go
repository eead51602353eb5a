package pool

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"imgpress/internal/engine"
)

// Executor runs one compression task. *engine.Engine satisfies it; tests
// substitute fakes to exercise timeout and crash paths.
type Executor interface {
	Compress(buf []byte, cfg engine.Config) engine.Result
}

// Options configures the scheduler.
type Options struct {
	// MaxWorkers caps the slot count; the effective count is
	// min(MaxWorkers, NumCPU), at least 1.
	MaxWorkers int
	// TaskTimeout is the watchdog window per assignment.
	TaskTimeout time.Duration
	// RetryLimit is the maximum total attempts per task: 2 means one original
	// run plus one retry. Only transient failures (timeout, crash) retry.
	RetryLimit int
}

// DefaultOptions returns the compatibility defaults.
func DefaultOptions() Options {
	return Options{
		MaxWorkers:  2,
		TaskTimeout: 30 * time.Second,
		RetryLimit:  2,
	}
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Workers  int
	Queued   int
	Running  int
	Replaced int64
}

// workerSlot is one isolated execution unit. Slots are owned exclusively by
// the pool; gen is bumped whenever the slot's goroutine is replaced after a
// timeout so late results from the abandoned generation are discarded.
type workerSlot struct {
	id        int
	gen       int
	busy      bool
	task      *Task
	startedAt time.Time
	jobs      chan *Task
	watchdog  *time.Timer
}

// Pool fans compression tasks out across a bounded set of worker slots with
// priority ordering, a per-task watchdog, crash recovery, and bounded retries.
// Dispatch is event-driven: every submission and completion triggers one
// dispatch decision; nothing ever blocks on a worker.
type Pool struct {
	exec Executor
	opts Options
	log  *logrus.Logger

	mu          sync.Mutex
	queue       taskHeap
	slots       []*workerSlot
	seq         uint64
	initialized bool
	closed      bool
	replaced    int64
}

// New returns an uninitialized pool. Slots are created lazily on the first
// Submit, or eagerly via Initialize.
func New(exec Executor, opts Options, log *logrus.Logger) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultOptions().MaxWorkers
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultOptions().TaskTimeout
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultOptions().RetryLimit
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pool{exec: exec, opts: opts, log: log}
}

// Initialize creates the worker slots. Idempotent; Submit calls it lazily.
func (p *Pool) Initialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
}

func (p *Pool) initLocked() {
	if p.initialized || p.closed {
		return
	}
	n := p.opts.MaxWorkers
	if cpus := runtime.NumCPU(); cpus < n {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		slot := &workerSlot{id: i, jobs: make(chan *Task, 1)}
		p.slots = append(p.slots, slot)
		go p.runWorker(slot, slot.gen, slot.jobs)
	}
	p.initialized = true
	p.log.WithField("workers", n).Info("Worker pool initialized")
}

// Submit enqueues a task and returns its future. Never blocks; the result
// arrives asynchronously through the handle. Higher priority dispatches
// first; within a tier, earlier submissions win.
func (p *Pool) Submit(buf []byte, cfg engine.Config, priority int) *TaskHandle {
	handle := newTaskHandle()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		handle.resolve(engine.Result{OriginalSize: int64(len(buf))}, ErrPoolShutdown, 0)
		return handle
	}
	p.initLocked()

	p.seq++
	task := &Task{
		ID:          uuid.NewString(),
		Data:        buf,
		Config:      cfg,
		Priority:    priority,
		SubmittedAt: time.Now(),
		State:       StateQueued,
		seq:         p.seq,
		handle:      handle,
	}
	heap.Push(&p.queue, task)
	p.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"priority": priority,
		"size":     len(buf),
	}).Debug("Task queued")
	p.dispatchLocked()
	return handle
}

// Shutdown terminates the pool: queued tasks are dropped and every pending
// handle, including in-flight ones, resolves with ErrPoolShutdown. A worker
// that finishes after shutdown has its result discarded. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for p.queue.Len() > 0 {
		task := heap.Pop(&p.queue).(*Task)
		task.State = StateCancelled
		task.handle.resolve(engine.Result{OriginalSize: int64(len(task.Data))}, ErrPoolShutdown, task.attempts)
	}
	for _, slot := range p.slots {
		if slot.watchdog != nil {
			slot.watchdog.Stop()
		}
		if slot.task != nil {
			slot.task.State = StateCancelled
			slot.task.handle.resolve(engine.Result{OriginalSize: int64(len(slot.task.Data))}, ErrPoolShutdown, slot.task.attempts)
			slot.task = nil
		}
		slot.busy = false
		close(slot.jobs)
	}
	p.log.Info("Worker pool shut down")
}

// Stats returns a snapshot of queue depth and slot occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	running := 0
	for _, slot := range p.slots {
		if slot.busy {
			running++
		}
	}
	return Stats{
		Workers:  len(p.slots),
		Queued:   p.queue.Len(),
		Running:  running,
		Replaced: p.replaced,
	}
}

// dispatchLocked assigns the highest-priority queued task to an idle slot.
// Called with p.mu held on every submission, completion, and slot replacement.
func (p *Pool) dispatchLocked() {
	for p.queue.Len() > 0 {
		slot := p.idleSlotLocked()
		if slot == nil {
			return
		}
		task := heap.Pop(&p.queue).(*Task)
		task.State = StateAssigned
		task.attempts++
		slot.busy = true
		slot.task = task
		slot.startedAt = time.Now()

		gen := slot.gen
		taskID := task.ID
		slot.watchdog = time.AfterFunc(p.opts.TaskTimeout, func() {
			p.onTimeout(slot, gen, taskID)
		})
		slot.jobs <- task
	}
}

func (p *Pool) idleSlotLocked() *workerSlot {
	for _, slot := range p.slots {
		if !slot.busy {
			return slot
		}
	}
	return nil
}

// runWorker is the slot goroutine. It executes one task at a time and reports
// back through complete. A replaced goroutine drains naturally once its jobs
// channel is closed.
func (p *Pool) runWorker(slot *workerSlot, gen int, jobs <-chan *Task) {
	for task := range jobs {
		res, err := p.execute(task)
		p.complete(slot, gen, task, res, err)
	}
}

// execute runs the task with panic isolation. Engine-level failures come back
// inside the Result; only a panic surfaces as an error here.
func (p *Pool) execute(task *Task) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"task_id": task.ID,
				"panic":   fmt.Sprint(r),
			}).Error("Panic recovered in worker")
			err = fmt.Errorf("%w: %v", ErrWorkerCrash, r)
		}
	}()
	res = p.exec.Compress(task.Data, task.Config)
	return res, nil
}

// complete handles a worker-reported result. Stale generations (slot replaced
// after a timeout) and post-shutdown results are discarded.
func (p *Pool) complete(slot *workerSlot, gen int, task *Task, res engine.Result, execErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || slot.gen != gen || slot.task == nil || slot.task.ID != task.ID {
		return
	}
	if slot.watchdog != nil {
		slot.watchdog.Stop()
	}
	slot.busy = false
	slot.task = nil

	switch {
	case execErr != nil:
		p.retryOrFailLocked(task, execErr)
	default:
		if res.Success || res.Err == nil || engine.Deterministic(res.Err) {
			// Engine outcomes, success or not, are terminal: a deterministic
			// failure will recur on identical input.
			task.State = StateSucceeded
			if !res.Success {
				task.State = StateFailedPermanently
			}
			task.handle.resolve(res, nil, task.attempts)
		} else {
			p.retryOrFailLocked(task, res.Err)
		}
	}
	p.dispatchLocked()
}

// onTimeout fires when a worker misses the watchdog window. The stuck slot
// goroutine is abandoned and replaced with a fresh one so it can never block
// the pool; the task is requeued or failed permanently.
func (p *Pool) onTimeout(slot *workerSlot, gen int, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || slot.gen != gen || slot.task == nil || slot.task.ID != taskID {
		return
	}
	task := slot.task

	p.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"slot":    slot.id,
		"elapsed": time.Since(slot.startedAt).String(),
	}).Warn("Worker timed out, replacing execution unit")

	close(slot.jobs)
	slot.gen++
	slot.jobs = make(chan *Task, 1)
	slot.busy = false
	slot.task = nil
	p.replaced++
	go p.runWorker(slot, slot.gen, slot.jobs)

	p.retryOrFailLocked(task, fmt.Errorf("%w after %s", ErrWorkerTimeout, p.opts.TaskTimeout))
	p.dispatchLocked()
}

// retryOrFailLocked requeues a transiently failed task while attempts remain,
// otherwise resolves it as permanently failed.
func (p *Pool) retryOrFailLocked(task *Task, cause error) {
	if task.attempts < p.opts.RetryLimit {
		p.log.WithFields(logrus.Fields{
			"task_id": task.ID,
			"attempt": task.attempts,
			"cause":   cause.Error(),
		}).Warn("Requeueing task after transient failure")
		task.State = StateRequeued
		heap.Push(&p.queue, task)
		return
	}
	task.State = StateFailedPermanently
	p.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"attempts": task.attempts,
	}).Error("Task failed permanently")
	task.handle.resolve(
		engine.Result{OriginalSize: int64(len(task.Data)), Attempts: task.attempts},
		fmt.Errorf("task failed after %d attempts: %w", task.attempts, cause),
		task.attempts,
	)
}
