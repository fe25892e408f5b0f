package coordinator

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"engram/internal/domain"
)

// dispatch promotes as many queued tasks as there are free slots and starts
// them as one batch. It returns the batch size.
func (c *Coordinator) dispatch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	available := c.opts.Limit - len(c.active)
	if available <= 0 || len(c.queue) == 0 {
		return 0
	}
	c.rankLocked()
	n := min(available, len(c.queue))
	batch := slices.Clone(c.queue[:n])
	c.queue = slices.Clone(c.queue[n:])
	now := c.opts.Now()
	for _, e := range batch {
		e.startedAt = now
		c.active[e.task.ID] = e
	}
	c.metrics.Batches++
	c.log.Debug("dispatching batch", zap.Int("size", n), zap.Int("queued", len(c.queue)), zap.Int("active", len(c.active)))
	c.batches.Go(func() { c.runBatch(batch) })
	return n
}

// rankLocked sorts the queue by priority, highest first, then by creation
// order according to the tie-break policy.
func (c *Coordinator) rankLocked() {
	lifo := c.opts.TieBreak == LIFO
	slices.SortStableFunc(c.queue, func(a, b *entry) int {
		if r := cmp.Compare(b.task.Priority, a.task.Priority); r != 0 {
			return r
		}
		r := a.task.CreatedAt.Compare(b.task.CreatedAt)
		if r == 0 {
			r = cmp.Compare(a.seq, b.seq)
		}
		if lifo {
			return -r
		}
		return r
	})
}

// runBatch executes every task of batch concurrently and records the
// results only once all of them have finished.
func (c *Coordinator) runBatch(batch []*entry) {
	results := make([]domain.Result, len(batch))
	var wg conc.WaitGroup
	for i, e := range batch {
		wg.Go(func() { results[i] = c.runTask(e.task) })
	}
	wg.Wait()

	finished := c.opts.Now()
	c.mu.Lock()
	for i, e := range batch {
		delete(c.active, e.task.ID)
		c.completed.Add(e.task.ID, record{
			task:        e.task,
			result:      results[i],
			submittedAt: e.submittedAt,
			startedAt:   e.startedAt,
			finishedAt:  finished,
		})
		c.metrics.Record(results[i])
	}
	c.mu.Unlock()

	failures := 0
	for _, r := range results {
		if !r.Success {
			failures++
		}
		c.notify(r)
	}
	c.log.Info("batch finished", zap.Int("size", len(batch)), zap.Int("failed", failures))
	c.dispatch()
}

// runTask executes one task under its own panic catcher so a failure always
// maps back to the task that caused it.
func (c *Coordinator) runTask(task domain.Task) domain.Result {
	start := time.Now()
	elapsed := func() float64 { return float64(time.Since(start)) / float64(time.Millisecond) }

	var (
		pc     panics.Catcher
		result domain.Result
		err    error
	)
	pc.Try(func() {
		result, err = c.exec.Execute(c.base, task, c.opts.Agents[task.Role])
	})
	if rec := pc.Recovered(); rec != nil {
		c.log.Error("executor panicked", zap.String("task_id", task.ID), zap.Any("panic", rec.Value))
		return domain.FailedResult(task, fmt.Sprintf("executor panic: %v", rec.Value), elapsed())
	}
	if err != nil {
		c.log.Warn("executor error", zap.String("task_id", task.ID), zap.Error(err))
		return domain.FailedResult(task, fmt.Sprintf("executor error: %v", err), elapsed())
	}
	return sanitize(task, result, elapsed())
}

// sanitize pins the result to its task and enforces the result invariants.
func sanitize(task domain.Task, r domain.Result, elapsedMs float64) domain.Result {
	r.TaskID = task.ID
	r.Role = task.Role
	if r.ExecutionTimeMs <= 0 {
		r.ExecutionTimeMs = elapsedMs
	}
	if r.Metadata == nil && task.InputData != nil {
		r.Metadata = make(map[string]any, len(task.InputData))
		for k, v := range task.InputData {
			r.Metadata[k] = v
		}
	}
	normalized, err := domain.NewResult(r)
	if err != nil {
		failed := domain.FailedResult(task, err.Error(), r.ExecutionTimeMs)
		failed.Metadata = r.Metadata
		return failed
	}
	return normalized
}

func (c *Coordinator) notify(r domain.Result) {
	if c.opts.OnComplete == nil {
		return
	}
	var pc panics.Catcher
	pc.Try(func() { c.opts.OnComplete(r) })
	if rec := pc.Recovered(); rec != nil {
		c.log.Error("completion hook panicked", zap.String("task_id", r.TaskID), zap.Any("panic", rec.Value))
	}
}
