package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"engram/internal/domain"
	"engram/internal/executor"
	"engram/internal/logging"
)

// TieBreak orders tasks of equal priority.
type TieBreak string

const (
	// FIFO runs older tasks first within a priority band.
	FIFO TieBreak = "fifo"
	// LIFO runs the most recently created task first within a band.
	LIFO TieBreak = "lifo"
)

const (
	defaultLimit             = 4
	defaultPollInterval      = 100 * time.Millisecond
	defaultBatchPollInterval = 500 * time.Millisecond
)

// Options configure a Coordinator. Zero values take the defaults.
type Options struct {
	Limit             int
	PollInterval      time.Duration
	BatchPollInterval time.Duration
	TieBreak          TieBreak

	// CompletedMax bounds the completed set; 0 keeps every result.
	CompletedMax int
	// CompletedTTL expires completed results; 0 disables expiry.
	CompletedTTL time.Duration

	Agents map[domain.Role]executor.AgentConfig

	Now    func() time.Time
	NewID  func() string
	Logger *zap.Logger

	// OnComplete is called once per finished task, outside the lock.
	OnComplete func(domain.Result)
}

// Coordinator queues tasks and runs them on an Executor under a global
// concurrency ceiling. Dispatch is demand-driven: it happens on Submit, on
// every await poll and once after each batch finishes.
type Coordinator struct {
	exec executor.Executor
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	queue     []*entry
	active    map[string]*entry
	completed *expirable.LRU[string, record]
	metrics   domain.Metrics
	seq       uint64
	closed    bool

	base    context.Context
	cancel  context.CancelFunc
	batches conc.WaitGroup
}

type entry struct {
	task        domain.Task
	seq         uint64
	submittedAt time.Time
	startedAt   time.Time
}

type record struct {
	task        domain.Task
	result      domain.Result
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

// StatusReport is the bookkeeping snapshot for one task id.
type StatusReport struct {
	TaskID      string         `json:"task_id"`
	Status      domain.Status  `json:"status"`
	Task        *domain.Task   `json:"task,omitempty"`
	Result      *domain.Result `json:"result,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// New returns a coordinator running tasks on exec.
func New(exec executor.Executor, opts Options) (*Coordinator, error) {
	if exec == nil {
		return nil, errors.New("coordinator requires an executor")
	}
	if opts.Limit < 0 || opts.CompletedMax < 0 || opts.CompletedTTL < 0 {
		return nil, fmt.Errorf("invalid coordinator options: limit=%d completed_max=%d completed_ttl=%s", opts.Limit, opts.CompletedMax, opts.CompletedTTL)
	}
	if opts.Limit == 0 {
		opts.Limit = defaultLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchPollInterval <= 0 {
		opts.BatchPollInterval = defaultBatchPollInterval
	}
	switch opts.TieBreak {
	case "":
		opts.TieBreak = FIFO
	case FIFO, LIFO:
	default:
		return nil, fmt.Errorf("invalid tie break %q", opts.TieBreak)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		exec:      exec,
		opts:      opts,
		log:       logging.OrNop(opts.Logger),
		active:    make(map[string]*entry),
		completed: expirable.NewLRU[string, record](opts.CompletedMax, nil, opts.CompletedTTL),
		base:      base,
		cancel:    cancel,
	}, nil
}

// NewTask builds a task with the coordinator's clock, generating an id when
// opts has none.
func (c *Coordinator) NewTask(opts domain.TaskOptions) (domain.Task, error) {
	if opts.ID == "" {
		opts.ID = c.opts.NewID()
	}
	return domain.NewTask(opts, c.opts.Now())
}

// Submit enqueues task and runs one dispatch cycle.
func (c *Coordinator) Submit(ctx context.Context, task domain.Task) (string, error) {
	if err := validate(task); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if status := c.statusLocked(task.ID); status != domain.StatusNotFound {
		c.mu.Unlock()
		return "", &DuplicateTaskError{TaskID: task.ID, Status: status}
	}
	c.seq++
	c.queue = append(c.queue, &entry{task: task, seq: c.seq, submittedAt: c.opts.Now()})
	c.mu.Unlock()

	c.log.Debug("task queued", zap.String("task_id", task.ID), zap.String("role", task.Role.String()), zap.Stringer("priority", task.Priority))
	c.dispatch()
	return task.ID, nil
}

// SubmitBatch submits tasks in order. On the first failure it returns the
// ids accepted so far together with the error; those tasks stay scheduled.
func (c *Coordinator) SubmitBatch(ctx context.Context, tasks []domain.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := c.Submit(ctx, task)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetStatus reports which set holds id.
func (c *Coordinator) GetStatus(id string) StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := StatusReport{TaskID: id, Status: domain.StatusNotFound}
	for _, e := range c.queue {
		if e.task.ID == id {
			task, submitted := e.task, e.submittedAt
			report.Status = domain.StatusQueued
			report.Task = &task
			report.SubmittedAt = &submitted
			return report
		}
	}
	if e, ok := c.active[id]; ok {
		task, submitted, started := e.task, e.submittedAt, e.startedAt
		report.Status = domain.StatusActive
		report.Task = &task
		report.SubmittedAt = &submitted
		report.StartedAt = &started
		return report
	}
	if rec, ok := c.completed.Peek(id); ok {
		report.Status = domain.StatusCompleted
		report.Task = &rec.task
		report.Result = &rec.result
		report.SubmittedAt = &rec.submittedAt
		report.StartedAt = &rec.startedAt
		report.FinishedAt = &rec.finishedAt
	}
	return report
}

// GetMetrics returns a snapshot of the counters.
func (c *Coordinator) GetMetrics() domain.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.ActiveCount = len(c.active)
	m.QueuedCount = len(c.queue)
	m.CompletedRetained = c.completed.Len()
	return m
}

// Close stops dispatching, cancels running executions and waits for their
// batches to be recorded. Queued tasks are never started.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.batches.Wait()
	return nil
}

func (c *Coordinator) statusLocked(id string) domain.Status {
	if _, ok := c.active[id]; ok {
		return domain.StatusActive
	}
	for _, e := range c.queue {
		if e.task.ID == id {
			return domain.StatusQueued
		}
	}
	if _, ok := c.completed.Peek(id); ok {
		return domain.StatusCompleted
	}
	return domain.StatusNotFound
}

func (c *Coordinator) roleOf(id string) domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.active[id]; ok {
		return e.task.Role
	}
	for _, e := range c.queue {
		if e.task.ID == id {
			return e.task.Role
		}
	}
	return ""
}

func validate(task domain.Task) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("%w: task_id is required", domain.ErrInvalidTask)
	case !task.Role.Valid():
		return fmt.Errorf("%w: invalid role %q", domain.ErrInvalidTask, string(task.Role))
	case !task.Priority.Valid():
		return fmt.Errorf("%w: invalid priority %d", domain.ErrInvalidTask, int(task.Priority))
	case task.TimeoutSeconds < 0:
		return fmt.Errorf("%w: timeout_seconds must be >= 0", domain.ErrInvalidTask)
	}
	return nil
}
