package pool

import "errors"

var (
	// ErrWorkerTimeout indicates a worker failed to report completion within
	// the watchdog window. Transient; retried up to the retry limit.
	ErrWorkerTimeout = errors.New("worker timed out")
	// ErrWorkerCrash indicates a worker panicked while executing a task.
	// Transient; retried up to the retry limit.
	ErrWorkerCrash = errors.New("worker crashed")
	// ErrPoolShutdown resolves every task still pending when Shutdown is called.
	ErrPoolShutdown = errors.New("pool shut down")
)
