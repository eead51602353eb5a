package batch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"imgpress/internal/engine"
	"imgpress/internal/pool"
	"imgpress/internal/sniff"
)

// DefaultInlineThreshold is the routing cutoff: items below it run inline on
// the orchestrator's goroutine, larger ones go to the worker pool.
const DefaultInlineThreshold = 5 << 20

// Item is one batch input: a raw buffer with a display label and the declared
// content type used for pre-flight validation.
type Item struct {
	Label        string
	Data         []byte
	DeclaredType string
}

// ItemResult pairs an input label with its compression outcome. Pool-level
// failures (timeout, crash, shutdown, cancellation) are folded into the
// Result's Err so callers handle one shape.
type ItemResult struct {
	Label  string
	Result engine.Result
}

// Submitter is the slice of the scheduler the orchestrator needs.
// *pool.Pool satisfies it.
type Submitter interface {
	Submit(buf []byte, cfg engine.Config, priority int) *pool.TaskHandle
}

// Options tunes batch routing.
type Options struct {
	// InlineThreshold is the byte size below which items run inline.
	InlineThreshold int64
	// MaxUploadBytes is the validator's absolute input ceiling.
	MaxUploadBytes int64
}

// Orchestrator validates a batch, routes each item inline or to the pool, and
// aggregates results into input order while streaming progress.
type Orchestrator struct {
	eng       *engine.Engine
	pool      Submitter
	validator *sniff.Validator
	log       *logrus.Logger
	opts      Options
}

// NewOrchestrator wires the orchestrator to an engine and a scheduler.
func NewOrchestrator(eng *engine.Engine, p Submitter, log *logrus.Logger, opts Options) *Orchestrator {
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		eng:       eng,
		pool:      p,
		validator: sniff.NewValidator(opts.MaxUploadBytes),
		log:       log,
		opts:      opts,
	}
}

// completion carries one terminal item resolution into the event loop.
type completion struct {
	index int
	res   engine.Result
}

// ProcessBatch compresses items and returns results sized and ordered like the
// input, regardless of completion order. Items failing validation resolve
// immediately and never reach the engine. Large items are pooled with priority
// descending in submission order, so earlier items dispatch first; small items
// run inline here. onProgress (optional) fires after every terminal item.
// A cancelled ctx resolves the remaining items with the context error; per-item
// failures never abort the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, items []Item, cfg engine.Config, onProgress ProgressFunc) []ItemResult {
	results := make([]ItemResult, len(items))
	for i := range items {
		results[i].Label = items[i].Label
	}
	if len(items) == 0 {
		return results
	}

	track := newTracker(len(items))
	events := make(chan completion, len(items))
	var inline []int

	// Pre-flight pass: hard failures are terminal now, valid items are routed.
	for i, item := range items {
		outcome := o.validator.Validate(item.Data, item.DeclaredType)
		if !outcome.Valid {
			events <- completion{i, engine.Result{
				OriginalSize: int64(len(item.Data)),
				Err:          outcome.Err,
			}}
			continue
		}
		for _, w := range outcome.Warnings {
			o.log.WithField("item", item.Label).Warn(w)
		}
		if int64(len(item.Data)) < o.opts.InlineThreshold {
			inline = append(inline, i)
			continue
		}
		// Earlier submissions get higher priority; any monotonic scheme works
		// as long as it is deterministic.
		handle := o.pool.Submit(item.Data, cfg, len(items)-i)
		go func(idx int, h *pool.TaskHandle) {
			res, err := h.Await(ctx)
			if err != nil {
				res.OriginalSize = int64(len(items[idx].Data))
				res.Err = err
			}
			events <- completion{idx, res}
		}(i, handle)
	}

	// Single event loop: progress mutation and the callback stay on this
	// goroutine, with inline work interleaved between completions.
	for !track.done() {
		select {
		case c := <-events:
			o.finish(results, track, c, onProgress)
		default:
			if len(inline) > 0 {
				idx := inline[0]
				inline = inline[1:]
				o.finish(results, track, completion{idx, o.runInline(ctx, items[idx], cfg)}, onProgress)
				continue
			}
			c := <-events
			o.finish(results, track, c, onProgress)
		}
	}
	return results
}

// runInline executes one small item on the caller's goroutine; pooled dispatch
// overhead is not worth paying for cheap work.
func (o *Orchestrator) runInline(ctx context.Context, item Item, cfg engine.Config) engine.Result {
	if err := ctx.Err(); err != nil {
		return engine.Result{
			OriginalSize: int64(len(item.Data)),
			Err:          fmt.Errorf("batch cancelled: %w", err),
		}
	}
	return o.eng.Compress(item.Data, cfg)
}

func (o *Orchestrator) finish(results []ItemResult, track *tracker, c completion, onProgress ProgressFunc) {
	results[c.index].Result = c.res
	label := results[c.index].Label

	failed := !c.res.Success
	errMsg := ""
	if c.res.Err != nil {
		errMsg = c.res.Err.Error()
	}
	track.record(label, failed, errMsg)

	entry := o.log.WithFields(logrus.Fields{
		"item":     label,
		"attempts": c.res.Attempts,
	})
	if failed {
		entry.WithField("error", errMsg).Warn("Item failed")
	} else {
		entry.WithFields(logrus.Fields{
			"original_size":   c.res.OriginalSize,
			"compressed_size": c.res.CompressedSize,
		}).Debug("Item compressed")
	}

	if onProgress != nil {
		onProgress(track.snapshot(label))
	}
}
