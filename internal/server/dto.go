package server

import (
	"fmt"
	"time"

	"engram/internal/archive"
	"engram/internal/consensus"
	"engram/internal/coordinator"
	"engram/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	TaskID         string         `json:"task_id,omitempty"`
	Role           string         `json:"role" enum:"analyzer,synthesizer,curator,researcher,validator,consolidator,extractor,optimizer"`
	Priority       string         `json:"priority,omitempty" enum:"low,medium,high"`
	TaskType       string         `json:"task_type,omitempty"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	ModelTier      string         `json:"model_tier,omitempty" enum:"fast,balanced,reasoning"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" minimum:"0"`
}

type SubmitBatchRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" minItems:"1"`
}

type AwaitBatchRequest struct {
	TaskIDs   []string `json:"task_ids"`
	TimeoutMs int      `json:"timeout_ms,omitempty" minimum:"0" maximum:"3600000"`
}

type ConsensusRequest struct {
	Key       string           `json:"key"`
	Roles     []string         `json:"roles,omitempty"`
	Item      map[string]any   `json:"item,omitempty"`
	Results   []ResultResponse `json:"results,omitempty"`
	TimeoutMs int              `json:"timeout_ms,omitempty" minimum:"0" maximum:"3600000"`
}

// Response payloads

type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type SubmitBatchResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type TaskResponse struct {
	TaskID         string         `json:"task_id"`
	Role           string         `json:"role"`
	Priority       string         `json:"priority"`
	TaskType       string         `json:"task_type"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	ModelTier      string         `json:"model_tier"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
}

type ResultResponse struct {
	TaskID          string         `json:"task_id"`
	Role            string         `json:"role,omitempty"`
	Success         bool           `json:"success"`
	Output          any            `json:"output,omitempty"`
	Reasoning       string         `json:"reasoning,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type StatusResponse struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Task        *TaskResponse   `json:"task,omitempty"`
	Result      *ResultResponse `json:"result,omitempty"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type AwaitResponse struct {
	TaskID string          `json:"task_id"`
	Done   bool            `json:"done"`
	Result *ResultResponse `json:"result,omitempty"`
}

type AwaitBatchResponse struct {
	Results []ResultResponse `json:"results"`
}

type MetricsResponse struct {
	Total              int     `json:"total"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	ActiveCount        int     `json:"active_count"`
	QueuedCount        int     `json:"queued_count"`
	CompletedRetained  int     `json:"completed_retained"`
	Batches            int     `json:"batches"`
}

type RoleVoteResponse struct {
	Results        int     `json:"results"`
	Successful     int     `json:"successful"`
	MeanConfidence float64 `json:"mean_confidence"`
}

type VerdictResponse struct {
	Key               string                      `json:"key"`
	OverallConfidence float64                     `json:"overall_confidence"`
	ConsensusScore    float64                     `json:"consensus_score"`
	Recommendation    string                      `json:"recommendation"`
	Error             string                      `json:"error,omitempty"`
	Total             int                         `json:"total"`
	Successful        int                         `json:"successful"`
	Roles             map[string]RoleVoteResponse `json:"roles,omitempty"`
}

type ArchivedResultResponse struct {
	Seq        int64          `json:"seq"`
	ArchivedAt string         `json:"archived_at"`
	Result     ResultResponse `json:"result"`
}

type paginatedResults struct {
	Items      []ArchivedResultResponse `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

func (r CreateTaskRequest) options() (domain.TaskOptions, error) {
	role, err := domain.ParseRole(r.Role)
	if err != nil {
		return domain.TaskOptions{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	priority, err := domain.ParsePriority(r.Priority)
	if err != nil {
		return domain.TaskOptions{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	tier, err := domain.ParseModelTier(r.ModelTier)
	if err != nil {
		return domain.TaskOptions{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	return domain.TaskOptions{
		ID:             r.TaskID,
		Role:           role,
		Priority:       priority,
		Type:           r.TaskType,
		InputData:      r.InputData,
		Context:        r.Context,
		ExpectedOutput: r.ExpectedOutput,
		ModelTier:      tier,
		TimeoutSeconds: r.TimeoutSeconds,
	}, nil
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:         t.ID,
		Role:           t.Role.String(),
		Priority:       t.Priority.String(),
		TaskType:       t.Type,
		InputData:      t.InputData,
		Context:        t.Context,
		ExpectedOutput: t.ExpectedOutput,
		ModelTier:      string(t.ModelTier),
		TimeoutSeconds: t.TimeoutSeconds,
		CreatedAt:      t.CreatedAt,
	}
}

func resultResponse(r domain.Result) ResultResponse {
	return ResultResponse{
		TaskID:          r.TaskID,
		Role:            r.Role.String(),
		Success:         r.Success,
		Output:          r.Output,
		Reasoning:       r.Reasoning,
		ConfidenceScore: r.ConfidenceScore,
		ExecutionTimeMs: r.ExecutionTimeMs,
		Error:           r.Error,
		Metadata:        r.Metadata,
	}
}

func mapResults(items []domain.Result) []ResultResponse {
	out := make([]ResultResponse, 0, len(items))
	for _, r := range items {
		out = append(out, resultResponse(r))
	}
	return out
}

// toDomain converts a client-supplied result. Confidence is clamped and the
// success/error pairing is checked the same way executor output is.
func (r ResultResponse) toDomain() (domain.Result, error) {
	role, err := domain.ParseRole(r.Role)
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidResult, err)
	}
	return domain.NewResult(domain.Result{
		TaskID:          r.TaskID,
		Role:            role,
		Success:         r.Success,
		Output:          r.Output,
		Reasoning:       r.Reasoning,
		ConfidenceScore: r.ConfidenceScore,
		ExecutionTimeMs: r.ExecutionTimeMs,
		Error:           r.Error,
		Metadata:        r.Metadata,
	})
}

func statusResponse(s coordinator.StatusReport) StatusResponse {
	resp := StatusResponse{
		TaskID:      s.TaskID,
		Status:      string(s.Status),
		SubmittedAt: s.SubmittedAt,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
	if s.Task != nil {
		t := taskResponse(*s.Task)
		resp.Task = &t
	}
	if s.Result != nil {
		r := resultResponse(*s.Result)
		resp.Result = &r
	}
	return resp
}

func metricsResponse(m domain.Metrics) MetricsResponse {
	return MetricsResponse{
		Total:              m.Total,
		Successful:         m.Successful,
		Failed:             m.Failed,
		AvgExecutionTimeMs: m.AvgExecutionTimeMs,
		ActiveCount:        m.ActiveCount,
		QueuedCount:        m.QueuedCount,
		CompletedRetained:  m.CompletedRetained,
		Batches:            m.Batches,
	}
}

func verdictResponse(v consensus.Verdict) VerdictResponse {
	resp := VerdictResponse{
		Key:               v.Key,
		OverallConfidence: v.OverallConfidence,
		ConsensusScore:    v.ConsensusScore,
		Recommendation:    string(v.Recommendation),
		Error:             v.Error,
		Total:             v.Total,
		Successful:        v.Successful,
	}
	if len(v.Roles) > 0 {
		resp.Roles = make(map[string]RoleVoteResponse, len(v.Roles))
		for role, vote := range v.Roles {
			resp.Roles[role.String()] = RoleVoteResponse{
				Results:        vote.Results,
				Successful:     vote.Successful,
				MeanConfidence: vote.MeanConfidence,
			}
		}
	}
	return resp
}

func archivedResponse(rec archive.Record) ArchivedResultResponse {
	return ArchivedResultResponse{
		Seq:        rec.Seq,
		ArchivedAt: rec.ArchivedAt,
		Result:     resultResponse(rec.Result),
	}
}
