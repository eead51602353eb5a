package stats

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgpress/internal/engine"
	"imgpress/internal/pool"
	"imgpress/internal/sniff"
)

// TestRecordResultCounters verifies counters for a mix of outcomes.
func TestRecordResultCounters(t *testing.T) {
	s := NewBatchStats()
	s.IncrementItemsFound()
	s.IncrementItemsFound()
	s.IncrementItemsFound()

	s.RecordResult("a.jpg", engine.Result{
		Success:        true,
		OriginalSize:   1000,
		CompressedSize: 400,
		StoredSize:     560,
	})
	s.RecordResult("b.jpg", engine.Result{
		Success:        true,
		OriginalSize:   2000,
		CompressedSize: 600,
		StoredSize:     820,
	})
	s.RecordResult("c.jpg", engine.Result{
		OriginalSize: 500,
		Err:          engine.ErrDecode,
	})
	s.Finalize()

	assert.Equal(t, int64(3), s.ItemsFound)
	assert.Equal(t, int64(3), s.ItemsProcessed)
	assert.Equal(t, int64(2), s.ItemsSucceeded)
	assert.Equal(t, int64(1), s.ItemsFailed)
	assert.Equal(t, int64(3500), s.BytesIn)
	assert.Equal(t, int64(1000), s.BytesOut)
	assert.Equal(t, int64(1380), s.BytesStored)

	breakdown := s.GetFailureBreakdown()
	assert.Equal(t, int64(1), breakdown["DecodeError"])
}

// TestClassifyError covers the taxonomy mapping, including wrapped errors.
func TestClassifyError(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{nil, "Unknown"},
		{sniff.ErrEmptyInput, "ValidationFailure"},
		{sniff.ErrTooLarge, "ValidationFailure"},
		{sniff.ErrUnsupportedType, "ValidationFailure"},
		{engine.ErrDecode, "DecodeError"},
		{engine.ErrUnachievableTarget, "UnachievableTarget"},
		{engine.ErrAttemptsExhausted, "AttemptsExhausted"},
		{pool.ErrWorkerTimeout, "WorkerTimeout"},
		{pool.ErrWorkerCrash, "WorkerCrash"},
		{pool.ErrPoolShutdown, "PoolShutdown"},
		{fmt.Errorf("task failed after 2 attempts: %w", pool.ErrWorkerTimeout), "WorkerTimeout"},
		{fmt.Errorf("something else entirely"), "Unknown"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, ClassifyError(tc.err), "err=%v", tc.err)
	}
}

// TestGetSummaryContent verifies the summary carries the headline figures.
func TestGetSummaryContent(t *testing.T) {
	s := NewBatchStats()
	s.IncrementItemsFound()
	s.RecordResult("a.jpg", engine.Result{
		Success:        true,
		OriginalSize:   2048,
		CompressedSize: 1024,
		StoredSize:     1368,
	})
	s.Finalize()

	summary := s.GetSummary()
	assert.Contains(t, summary, "Found: 1")
	assert.Contains(t, summary, "Succeeded: 1")
	assert.Contains(t, summary, "Failed: 0")
	assert.Contains(t, summary, "Saved: 50.0%")
	assert.Contains(t, summary, "2.0 KB")
}

// TestGetErrorSummary verifies the error listing and its cap.
func TestGetErrorSummary(t *testing.T) {
	s := NewBatchStats()
	assert.Equal(t, "No errors occurred during processing", s.GetErrorSummary())

	for i := 0; i < 12; i++ {
		s.AddError(fmt.Sprintf("item-%d", i), "DecodeError", "bad header")
	}

	summary := s.GetErrorSummary()
	assert.Contains(t, summary, "Errors (12 total):")
	assert.Contains(t, summary, "item-0")
	assert.Contains(t, summary, "... and 2 more errors")
	require.Equal(t, 12, strings.Count(summary, "\n"))
}

// TestFormatBytes covers the unit ladder.
func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KB", formatBytes(1024))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2<<20))
	assert.Equal(t, "3.0 GB", formatBytes(3<<30))
}
