package coordinator

import (
	"context"
	"time"

	"engram/internal/domain"
)

// AwaitResult waits up to timeout for id to complete. It returns nil, nil
// when the wait times out; the task itself keeps running. An id that is in
// no set at call time, or whose result was evicted from the completed set
// before the wait saw it, yields *UnknownTaskError.
func (c *Coordinator) AwaitResult(ctx context.Context, id string, timeout time.Duration) (*domain.Result, error) {
	c.mu.Lock()
	status := c.statusLocked(id)
	c.mu.Unlock()
	if status == domain.StatusNotFound {
		return nil, &UnknownTaskError{TaskID: id}
	}

	deadline := time.Now().Add(timeout)
	for {
		c.dispatch()
		if r, ok := c.result(id); ok {
			return &r, nil
		}
		if !sleepUntil(ctx, deadline, c.opts.PollInterval) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if r, ok := c.result(id); ok {
				return &r, nil
			}
			c.mu.Lock()
			status = c.statusLocked(id)
			c.mu.Unlock()
			if status == domain.StatusNotFound {
				return nil, &UnknownTaskError{TaskID: id}
			}
			return nil, nil
		}
	}
}

// AwaitBatch waits up to timeout for every id and always returns one entry
// per id, in order. Ids without a result by then, including unknown ids,
// get a timeout placeholder.
func (c *Coordinator) AwaitBatch(ctx context.Context, ids []string, timeout time.Duration) []domain.Result {
	out := make([]domain.Result, len(ids))
	done := make([]bool, len(ids))
	deadline := time.Now().Add(timeout)
	for {
		c.dispatch()
		pending := 0
		c.mu.Lock()
		for i, id := range ids {
			if done[i] {
				continue
			}
			if rec, ok := c.completed.Get(id); ok {
				out[i] = rec.result
				done[i] = true
				continue
			}
			pending++
		}
		c.mu.Unlock()
		if pending == 0 || !sleepUntil(ctx, deadline, c.opts.BatchPollInterval) {
			break
		}
	}
	for i, id := range ids {
		if !done[i] {
			out[i] = domain.TimeoutResult(id, c.roleOf(id))
		}
	}
	return out
}

func (c *Coordinator) result(id string) (domain.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.completed.Get(id)
	if !ok {
		return domain.Result{}, false
	}
	return rec.result, true
}

// sleepUntil sleeps for interval or until deadline, whichever is sooner. It
// returns false when the deadline has passed or ctx is done.
func sleepUntil(ctx context.Context, deadline time.Time, interval time.Duration) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(min(interval, remaining))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
