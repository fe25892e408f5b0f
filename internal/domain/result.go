package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// TimeoutError is the error text of a result synthesized for a wait that
// ended before the task completed.
const TimeoutError = "Timeout"

// Result is the outcome of one task execution.
type Result struct {
	TaskID          string         `json:"task_id"`
	Role            Role           `json:"role,omitempty"`
	Success         bool           `json:"success"`
	Output          any            `json:"output,omitempty"`
	Reasoning       string         `json:"reasoning,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

var ErrInvalidResult = errors.New("invalid result")

// NewResult normalizes r: confidence is clamped into [0,1] and execution time
// to >= 0. Error must be set exactly when Success is false.
func NewResult(r Result) (Result, error) {
	r.ConfidenceScore = ClampConfidence(r.ConfidenceScore)
	if math.IsNaN(r.ExecutionTimeMs) || r.ExecutionTimeMs < 0 {
		r.ExecutionTimeMs = 0
	}
	hasError := strings.TrimSpace(r.Error) != ""
	switch {
	case !r.Success && !hasError:
		return r, fmt.Errorf("%w: failed result for %s has no error", ErrInvalidResult, r.TaskID)
	case r.Success && hasError:
		return r, fmt.Errorf("%w: successful result for %s carries error %q", ErrInvalidResult, r.TaskID, r.Error)
	}
	return r, nil
}

// ClampConfidence maps any float into [0,1]; NaN becomes 0.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// FailedResult builds a failed result for task.
func FailedResult(task Task, reason string, elapsedMs float64) Result {
	if strings.TrimSpace(reason) == "" {
		reason = "execution failed"
	}
	r, _ := NewResult(Result{
		TaskID:          task.ID,
		Role:            task.Role,
		Success:         false,
		Error:           reason,
		ExecutionTimeMs: elapsedMs,
		Metadata:        cloneMap(task.InputData),
	})
	return r
}

// TimeoutResult is the placeholder returned for a task whose result was not
// available when a batch wait ended.
func TimeoutResult(taskID string, role Role) Result {
	return Result{
		TaskID:          taskID,
		Role:            role,
		Success:         false,
		Error:           TimeoutError,
		ConfidenceScore: 0,
	}
}
