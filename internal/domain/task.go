package domain

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Task is one unit of subagent work. A Task is never modified after NewTask
// returns; the coordinator only moves it between its queued, active and
// completed sets.
type Task struct {
	ID             string         `json:"task_id"`
	Role           Role           `json:"role"`
	Priority       Priority       `json:"priority"`
	Type           string         `json:"task_type"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	ModelTier      ModelTier      `json:"model_tier"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TaskOptions are parameters for creating a task.
type TaskOptions struct {
	ID             string         `json:"task_id,omitempty" yaml:"task_id"`
	Role           Role           `json:"role" yaml:"role"`
	Priority       Priority       `json:"priority,omitempty" yaml:"priority"`
	Type           string         `json:"task_type,omitempty" yaml:"task_type"`
	InputData      map[string]any `json:"input_data,omitempty" yaml:"input_data"`
	Context        map[string]any `json:"context,omitempty" yaml:"context"`
	ExpectedOutput string         `json:"expected_output,omitempty" yaml:"expected_output"`
	ModelTier      ModelTier      `json:"model_tier,omitempty" yaml:"model_tier"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

var ErrInvalidTask = errors.New("invalid task")

// NewTask validates opts and returns an immutable Task stamped with now.
func NewTask(opts TaskOptions, now time.Time) (Task, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if !opts.Role.Valid() {
		return Task{}, fmt.Errorf("%w: invalid role %q", ErrInvalidTask, string(opts.Role))
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return Task{}, fmt.Errorf("%w: invalid priority %d", ErrInvalidTask, int(opts.Priority))
	}
	tier := opts.ModelTier
	if tier == "" {
		tier = TierBalanced
	}
	if !tier.Valid() {
		return Task{}, fmt.Errorf("%w: invalid model tier %q", ErrInvalidTask, string(opts.ModelTier))
	}
	if opts.TimeoutSeconds < 0 {
		return Task{}, fmt.Errorf("%w: timeout_seconds must be >= 0", ErrInvalidTask)
	}
	taskType := opts.Type
	if taskType == "" {
		taskType = "general"
	}
	return Task{
		ID:             id,
		Role:           opts.Role,
		Priority:       priority,
		Type:           taskType,
		InputData:      cloneMap(opts.InputData),
		Context:        cloneMap(opts.Context),
		ExpectedOutput: opts.ExpectedOutput,
		ModelTier:      tier,
		TimeoutSeconds: opts.TimeoutSeconds,
		CreatedAt:      now,
	}, nil
}

// Timeout returns the executor bound for this task, or fallback when unset.
func (t Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return maps.Clone(in)
}
