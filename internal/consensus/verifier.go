package consensus

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.uber.org/zap"

	"engram/internal/domain"
	"engram/internal/logging"
)

// DefaultKeyField is the input field a Verifier stores the key under.
const DefaultKeyField = "verification_key"

// Scheduler is the part of the coordinator a Verifier drives.
type Scheduler interface {
	NewTask(opts domain.TaskOptions) (domain.Task, error)
	SubmitBatch(ctx context.Context, tasks []domain.Task) ([]string, error)
	AwaitBatch(ctx context.Context, ids []string, timeout time.Duration) []domain.Result
}

// Verifier asks several roles to check the same item and aggregates their
// answers.
type Verifier struct {
	Scheduler  Scheduler
	Thresholds Thresholds
	Timeout    time.Duration
	KeyField   string
	Priority   domain.Priority
	Logger     *zap.Logger
}

// Verify submits one task per role with item as input and returns the
// verdict for key. Roles that do not finish within the timeout count as
// failed verifications.
func (v *Verifier) Verify(ctx context.Context, item map[string]any, key string, roles []domain.Role) (Verdict, error) {
	if len(roles) == 0 {
		return Verdict{}, errors.New("verify needs at least one role")
	}
	field := v.KeyField
	if field == "" {
		field = DefaultKeyField
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	input := maps.Clone(item)
	if input == nil {
		input = map[string]any{}
	}
	input[field] = key

	tasks := make([]domain.Task, 0, len(roles))
	for _, role := range roles {
		task, err := v.Scheduler.NewTask(domain.TaskOptions{
			Role:      role,
			Priority:  v.Priority,
			Type:      "verification",
			InputData: input,
		})
		if err != nil {
			return Verdict{}, err
		}
		tasks = append(tasks, task)
	}
	ids, err := v.Scheduler.SubmitBatch(ctx, tasks)
	if err != nil {
		return Verdict{}, err
	}
	results := v.Scheduler.AwaitBatch(ctx, ids, timeout)
	verdict := Evaluate(key, results, v.Thresholds)
	logging.OrNop(v.Logger).Info("verification finished",
		zap.String("key", key),
		zap.String("recommendation", string(verdict.Recommendation)),
		zap.Float64("consensus_score", verdict.ConsensusScore))
	return verdict, nil
}
