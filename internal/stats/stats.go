package stats

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"imgpress/internal/engine"
	"imgpress/internal/pool"
	"imgpress/internal/sniff"
)

// BatchStats aggregates counters for one compression run.
type BatchStats struct {
	ItemsFound     int64
	ItemsProcessed int64
	ItemsSucceeded int64
	ItemsFailed    int64

	BytesIn     int64
	BytesOut    int64
	BytesStored int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	ItemsPerSecond float64

	FailureClasses map[string]int64
	Errors         []ItemError

	mutex sync.RWMutex
}

// ItemError records one failed item.
type ItemError struct {
	Label     string
	Class     string
	Error     string
	Timestamp time.Time
}

// NewBatchStats returns a BatchStats with the clock started.
func NewBatchStats() *BatchStats {
	return &BatchStats{
		StartTime:      time.Now(),
		FailureClasses: make(map[string]int64),
		Errors:         make([]ItemError, 0),
	}
}

// IncrementItemsFound increases the count of discovered items by 1.
func (s *BatchStats) IncrementItemsFound() {
	atomic.AddInt64(&s.ItemsFound, 1)
}

// RecordResult folds one terminal item result into the counters.
func (s *BatchStats) RecordResult(label string, res engine.Result) {
	atomic.AddInt64(&s.ItemsProcessed, 1)
	atomic.AddInt64(&s.BytesIn, res.OriginalSize)
	if res.Success {
		atomic.AddInt64(&s.ItemsSucceeded, 1)
		atomic.AddInt64(&s.BytesOut, res.CompressedSize)
		atomic.AddInt64(&s.BytesStored, res.StoredSize)
		return
	}
	atomic.AddInt64(&s.ItemsFailed, 1)
	msg := "unknown failure"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	s.AddError(label, ClassifyError(res.Err), msg)
}

// AddError records a failed item under its failure class.
func (s *BatchStats) AddError(label, class, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FailureClasses[class]++
	s.Errors = append(s.Errors, ItemError{
		Label:     label,
		Class:     class,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize computes duration-derived figures. Call once the batch is terminal.
func (s *BatchStats) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	processed := atomic.LoadInt64(&s.ItemsProcessed)
	if s.Duration.Seconds() > 0 {
		s.ItemsPerSecond = float64(processed) / s.Duration.Seconds()
	}
}

// GetSummary returns a formatted summary of the run.
func (s *BatchStats) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	bytesIn := atomic.LoadInt64(&s.BytesIn)
	bytesOut := atomic.LoadInt64(&s.BytesOut)
	saved := float64(0)
	if bytesIn > 0 && bytesOut > 0 {
		saved = float64(bytesIn-bytesOut) * 100 / float64(bytesIn)
	}

	return fmt.Sprintf(`Compression Summary:

Items:
		Found: %d
		Processed: %d
		Succeeded: %d
		Failed: %d

Bytes:
		In: %s
		Out: %s
		Stored (base64): %s
		Saved: %.1f%%

Performance:
		Duration: %v
		Items/Second: %.2f`,
		atomic.LoadInt64(&s.ItemsFound),
		atomic.LoadInt64(&s.ItemsProcessed),
		atomic.LoadInt64(&s.ItemsSucceeded),
		atomic.LoadInt64(&s.ItemsFailed),
		formatBytes(bytesIn),
		formatBytes(bytesOut),
		formatBytes(atomic.LoadInt64(&s.BytesStored)),
		saved,
		s.Duration,
		s.ItemsPerSecond)
}

// GetErrorSummary returns a summary of failures, at most ten spelled out.
func (s *BatchStats) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Class,
			err.Label,
			err.Error)
	}
	return result
}

// GetFailureBreakdown returns per-class failure counts.
func (s *BatchStats) GetFailureBreakdown() map[string]int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make(map[string]int64, len(s.FailureClasses))
	for class, count := range s.FailureClasses {
		out[class] = count
	}
	return out
}

// ClassifyError maps an error to its taxonomy class name.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "Unknown"
	case errors.Is(err, sniff.ErrEmptyInput),
		errors.Is(err, sniff.ErrTooLarge),
		errors.Is(err, sniff.ErrUnsupportedType):
		return "ValidationFailure"
	case errors.Is(err, engine.ErrDecode):
		return "DecodeError"
	case errors.Is(err, engine.ErrUnachievableTarget):
		return "UnachievableTarget"
	case errors.Is(err, engine.ErrAttemptsExhausted):
		return "AttemptsExhausted"
	case errors.Is(err, pool.ErrWorkerTimeout):
		return "WorkerTimeout"
	case errors.Is(err, pool.ErrWorkerCrash):
		return "WorkerCrash"
	case errors.Is(err, pool.ErrPoolShutdown):
		return "PoolShutdown"
	default:
		return "Unknown"
	}
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
