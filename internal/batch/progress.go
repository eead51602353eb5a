package batch

import "time"

// ItemFailure records one failed item for the progress report.
type ItemFailure struct {
	Label string `json:"label"`
	Error string `json:"error"`
}

// Progress is the batch accumulator handed to the progress callback after
// every terminal item resolution. Percent counts terminal items (completed
// plus failed) against the full input, so it always ends at 100.
type Progress struct {
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	CurrentLabel string        `json:"current_label"`
	Percent      float64       `json:"percent"`
	Remaining    time.Duration `json:"remaining"`
	Failures     []ItemFailure `json:"failures,omitempty"`
}

// ProgressFunc receives progress snapshots. It is always invoked from the
// orchestrator's own goroutine, never concurrently for the same batch.
type ProgressFunc func(Progress)

// tracker maintains the accumulator. Only the orchestrator's event loop
// touches it, so it needs no locking.
type tracker struct {
	total     int
	completed int
	failed    int
	failures  []ItemFailure
	started   time.Time
}

func newTracker(total int) *tracker {
	return &tracker{total: total, started: time.Now()}
}

func (t *tracker) record(label string, failed bool, errMsg string) {
	if failed {
		t.failed++
		t.failures = append(t.failures, ItemFailure{Label: label, Error: errMsg})
	} else {
		t.completed++
	}
}

func (t *tracker) snapshot(label string) Progress {
	terminal := t.completed + t.failed
	p := Progress{
		Total:        t.total,
		Completed:    t.completed,
		Failed:       t.failed,
		CurrentLabel: label,
		Failures:     t.failures,
	}
	if t.total > 0 {
		p.Percent = float64(terminal) / float64(t.total) * 100
	}
	if terminal > 0 && terminal < t.total {
		elapsed := time.Since(t.started)
		p.Remaining = time.Duration(float64(elapsed) / float64(terminal) * float64(t.total-terminal))
	}
	return p
}

func (t *tracker) done() bool {
	return t.completed+t.failed >= t.total
}
