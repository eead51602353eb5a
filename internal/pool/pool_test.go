package pool

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgpress/internal/engine"
)

// fakeExecutor runs an arbitrary function per task, letting tests simulate
// success, hangs, panics, and deterministic engine failures.
type fakeExecutor struct {
	fn func(buf []byte, cfg engine.Config) engine.Result
}

func (f *fakeExecutor) Compress(buf []byte, cfg engine.Config) engine.Result {
	return f.fn(buf, cfg)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func succeedingExecutor() *fakeExecutor {
	return &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		return engine.Result{
			Success:        true,
			Data:           buf,
			OriginalSize:   int64(len(buf)),
			CompressedSize: int64(len(buf)),
		}
	}}
}

// TestSubmitResolvesSuccess verifies the basic submit/await round trip.
func TestSubmitResolvesSuccess(t *testing.T) {
	p := New(succeedingExecutor(), DefaultOptions(), quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("payload"), engine.DefaultConfig(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Await(ctx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(7), res.OriginalSize)
	assert.Equal(t, 1, handle.Attempts())
}

// TestInitializeIdempotent verifies repeated initialization keeps a single
// slot set.
func TestInitializeIdempotent(t *testing.T) {
	p := New(succeedingExecutor(), Options{MaxWorkers: 1}, quietLogger())
	defer p.Shutdown()

	p.Initialize()
	first := p.Stats().Workers
	p.Initialize()

	assert.Equal(t, 1, first)
	assert.Equal(t, first, p.Stats().Workers)
}

// TestPriorityOrder verifies that with a single worker, queued tasks run in
// priority order with FIFO ties.
func TestPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		if string(buf) == "gate" {
			<-gate
		}
		mu.Lock()
		order = append(order, string(buf))
		mu.Unlock()
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 1}, quietLogger())
	defer p.Shutdown()

	// The gate task occupies the only worker so the rest pile up in the queue.
	gateHandle := p.Submit([]byte("gate"), engine.DefaultConfig(), 100)
	require.Eventually(t, func() bool { return p.Stats().Running == 1 }, 2*time.Second, 5*time.Millisecond)

	low := p.Submit([]byte("low"), engine.DefaultConfig(), 1)
	highA := p.Submit([]byte("high-a"), engine.DefaultConfig(), 5)
	highB := p.Submit([]byte("high-b"), engine.DefaultConfig(), 5)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []*TaskHandle{gateHandle, low, highA, highB} {
		_, err := h.Await(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gate", "high-a", "high-b", "low"}, order)
}

// TestConcurrencyBound verifies that no more than the slot count of tasks run
// at once.
func TestConcurrencyBound(t *testing.T) {
	gate := make(chan struct{})
	var current, peak int32

	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&current, -1)
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 2}, quietLogger())
	defer p.Shutdown()
	p.Initialize()
	workers := p.Stats().Workers

	handles := make([]*TaskHandle, 6)
	for i := range handles {
		handles[i] = p.Submit([]byte{byte(i)}, engine.DefaultConfig(), 0)
	}

	require.Eventually(t, func() bool { return p.Stats().Running == workers }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6-workers, p.Stats().Queued)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		_, err := h.Await(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

// TestTimeoutRetriesThenFails verifies a hung worker is replaced, the task is
// retried, and the handle resolves with ErrWorkerTimeout once attempts are
// spent.
func TestTimeoutRetriesThenFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		if string(buf) == "hang" {
			<-release
			return engine.Result{}
		}
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 1, TaskTimeout: 40 * time.Millisecond, RetryLimit: 2}, quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("hang"), engine.DefaultConfig(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Await(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerTimeout)
	assert.False(t, res.Success)
	assert.Equal(t, 2, handle.Attempts())
	assert.GreaterOrEqual(t, p.Stats().Replaced, int64(2))

	// The replacement slot must still serve new work.
	again := p.Submit([]byte("ok"), engine.DefaultConfig(), 0)
	res, err = again.Await(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// TestCrashRetrySucceeds verifies a panicking worker is recovered and the task
// succeeds on its retry.
func TestCrashRetrySucceeds(t *testing.T) {
	var calls int32
	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("simulated worker crash")
		}
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 1, RetryLimit: 2}, quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("x"), engine.DefaultConfig(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Await(ctx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, handle.Attempts())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// TestCrashExhaustsRetries verifies a task that panics every time resolves
// with ErrWorkerCrash.
func TestCrashExhaustsRetries(t *testing.T) {
	var calls int32
	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		atomic.AddInt32(&calls, 1)
		panic("always crashes")
	}}

	p := New(exec, Options{MaxWorkers: 1, RetryLimit: 2}, quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("x"), engine.DefaultConfig(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := handle.Await(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerCrash)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// TestDeterministicFailureNotRetried verifies an engine-level failure resolves
// on the first attempt with the error inside the Result.
func TestDeterministicFailureNotRetried(t *testing.T) {
	var calls int32
	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		atomic.AddInt32(&calls, 1)
		return engine.Result{Err: engine.ErrUnachievableTarget}
	}}

	p := New(exec, Options{MaxWorkers: 1, RetryLimit: 3}, quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("x"), engine.DefaultConfig(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Await(ctx)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, engine.ErrUnachievableTarget)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestShutdownResolvesAllPending verifies shutdown resolves queued and
// in-flight handles with ErrPoolShutdown rather than leaving them hanging.
func TestShutdownResolvesAllPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		<-gate
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 2}, quietLogger())
	p.Initialize()
	workers := p.Stats().Workers

	handles := make([]*TaskHandle, 5)
	for i := range handles {
		handles[i] = p.Submit([]byte{byte(i)}, engine.DefaultConfig(), 0)
	}
	require.Eventually(t, func() bool { return p.Stats().Running == workers }, 2*time.Second, 5*time.Millisecond)

	p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, h := range handles {
		_, err := h.Await(ctx)
		require.Error(t, err, "handle %d", i)
		assert.ErrorIs(t, err, ErrPoolShutdown, "handle %d", i)
	}
}

// TestSubmitAfterShutdown verifies a post-shutdown submission resolves
// immediately.
func TestSubmitAfterShutdown(t *testing.T) {
	p := New(succeedingExecutor(), DefaultOptions(), quietLogger())
	p.Shutdown()

	handle := p.Submit([]byte("late"), engine.DefaultConfig(), 0)

	select {
	case <-handle.Done():
	default:
		t.Fatal("handle not resolved immediately after shutdown")
	}
	_, err := handle.Await(context.Background())
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

// TestShutdownIdempotent verifies calling Shutdown twice is safe.
func TestShutdownIdempotent(t *testing.T) {
	p := New(succeedingExecutor(), DefaultOptions(), quietLogger())
	p.Initialize()
	p.Shutdown()
	p.Shutdown()
}

// TestAwaitHonorsContext verifies Await returns the context error while the
// task is still pending.
func TestAwaitHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	exec := &fakeExecutor{fn: func(buf []byte, cfg engine.Config) engine.Result {
		<-gate
		return engine.Result{Success: true}
	}}

	p := New(exec, Options{MaxWorkers: 1}, quietLogger())
	defer p.Shutdown()

	handle := p.Submit([]byte("x"), engine.DefaultConfig(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := handle.Await(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// TestHeapOrdering exercises the queue ordering directly.
func TestHeapOrdering(t *testing.T) {
	q := &taskHeap{}
	push := func(priority int, seq uint64, id string) {
		heap.Push(q, &Task{ID: id, Priority: priority, seq: seq})
	}
	push(1, 1, "a")
	push(5, 2, "b")
	push(5, 3, "c")
	push(3, 4, "d")

	var ids []string
	for q.Len() > 0 {
		ids = append(ids, heap.Pop(q).(*Task).ID)
	}
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids)
}
