package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"imgpress/internal/engine"
)

// TaskState tracks a task through the scheduler's state machine.
type TaskState string

const (
	StateQueued            TaskState = "queued"
	StateAssigned          TaskState = "assigned"
	StateSucceeded         TaskState = "succeeded"
	StateRequeued          TaskState = "requeued"
	StateFailedPermanently TaskState = "failed"
	StateCancelled         TaskState = "cancelled"
)

// Task is one unit of compression work. It is owned exclusively by the
// scheduler from submission until its handle resolves: by the queue while
// queued, by exactly one slot while assigned.
type Task struct {
	ID          string
	Data        []byte
	Config      engine.Config
	Priority    int
	SubmittedAt time.Time
	State       TaskState

	seq      uint64
	attempts int
	handle   *TaskHandle
}

// TaskHandle is the future returned by Submit. Await blocks until the task
// reaches a terminal state or ctx is done.
type TaskHandle struct {
	done chan struct{}
	once sync.Once

	result   engine.Result
	err      error
	attempts int
}

func newTaskHandle() *TaskHandle {
	return &TaskHandle{done: make(chan struct{})}
}

// Await returns the task's result once it is terminal. The error is non-nil
// only for pool-level outcomes (timeout, crash, shutdown); engine-level
// failures are reported inside the Result with a nil error.
func (h *TaskHandle) Await(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

// Done returns a channel closed when the task is terminal.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Attempts reports how many times the task was dispatched to a worker.
// Valid once the handle has resolved.
func (h *TaskHandle) Attempts() int {
	return h.attempts
}

func (h *TaskHandle) resolve(res engine.Result, err error, attempts int) {
	h.once.Do(func() {
		h.result = res
		h.err = err
		h.attempts = attempts
		close(h.done)
	})
}

// taskHeap orders tasks by priority (higher first), breaking ties by
// submission sequence for stable FIFO within a priority tier.
type taskHeap []*Task

func (q taskHeap) Len() int { return len(q) }

func (q taskHeap) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskHeap) Push(x interface{}) {
	*q = append(*q, x.(*Task))
}

func (q *taskHeap) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
