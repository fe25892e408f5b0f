package domain_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"

	"engram/internal/domain"
)

func TestNewTaskDefaultsAndValidation(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task, err := domain.NewTask(domain.TaskOptions{ID: "t-1", Role: domain.RoleAnalyzer}, now)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if task.Priority != domain.PriorityMedium || task.ModelTier != domain.TierBalanced {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if !task.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v", task.CreatedAt)
	}
	if task.Timeout(time.Minute) != time.Minute {
		t.Fatalf("expected fallback timeout")
	}

	cases := []domain.TaskOptions{
		{Role: domain.RoleAnalyzer},
		{ID: "x", Role: "janitor"},
		{ID: "x", Role: domain.RoleCurator, Priority: 9},
		{ID: "x", Role: domain.RoleCurator, ModelTier: "huge"},
		{ID: "x", Role: domain.RoleCurator, TimeoutSeconds: -1},
	}
	for _, opts := range cases {
		if _, err := domain.NewTask(opts, now); !errors.Is(err, domain.ErrInvalidTask) {
			t.Fatalf("expected ErrInvalidTask for %+v, got %v", opts, err)
		}
	}
}

func TestNewTaskClonesInput(t *testing.T) {
	input := map[string]any{"memory_id": "m-1"}
	task, err := domain.NewTask(domain.TaskOptions{ID: "t-1", Role: domain.RoleValidator, InputData: input}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	input["memory_id"] = "changed"
	if task.InputData["memory_id"] != "m-1" {
		t.Fatalf("task input aliased caller map")
	}
}

func TestNewResultSuccessErrorRule(t *testing.T) {
	if _, err := domain.NewResult(domain.Result{TaskID: "a", Success: false}); !errors.Is(err, domain.ErrInvalidResult) {
		t.Fatalf("failure without error should be rejected, got %v", err)
	}
	if _, err := domain.NewResult(domain.Result{TaskID: "a", Success: true, Error: "boom"}); !errors.Is(err, domain.ErrInvalidResult) {
		t.Fatalf("success with error should be rejected, got %v", err)
	}
	r, err := domain.NewResult(domain.Result{TaskID: "a", Success: true, ConfidenceScore: 1.7, ExecutionTimeMs: -3})
	if err != nil {
		t.Fatal(err)
	}
	if r.ConfidenceScore != 1 || r.ExecutionTimeMs != 0 {
		t.Fatalf("not normalized: %+v", r)
	}
}

func TestClampConfidenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64().Draw(t, "confidence")
		got := domain.ClampConfidence(v)
		if got < 0 || got > 1 || math.IsNaN(got) {
			t.Fatalf("clamp(%v) = %v", v, got)
		}
		if v >= 0 && v <= 1 && got != v {
			t.Fatalf("in-range value changed: %v -> %v", v, got)
		}
	})
	if domain.ClampConfidence(math.NaN()) != 0 {
		t.Fatalf("NaN should clamp to 0")
	}
}

func TestTimeoutResultShape(t *testing.T) {
	r := domain.TimeoutResult("t-9", domain.RoleCurator)
	if r.Success || r.Error != domain.TimeoutError || r.ConfidenceScore != 0 || r.TaskID != "t-9" {
		t.Fatalf("unexpected placeholder %+v", r)
	}
}

func TestPriorityAndRoleJSON(t *testing.T) {
	var opts domain.TaskOptions
	if err := json.Unmarshal([]byte(`{"task_id":"a","role":"Researcher","priority":"high","model_tier":"reasoning"}`), &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if opts.Role != domain.RoleResearcher || opts.Priority != domain.PriorityHigh || opts.ModelTier != domain.TierReasoning {
		t.Fatalf("decoded %+v", opts)
	}
	b, err := json.Marshal(domain.Task{ID: "a", Role: domain.RoleCurator, Priority: domain.PriorityLow, ModelTier: domain.TierFast})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if raw["priority"] != "low" || raw["role"] != "curator" {
		t.Fatalf("encoded %s", b)
	}
	if err := json.Unmarshal([]byte(`{"role":"janitor"}`), &opts); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func TestMetricsIncrementalMean(t *testing.T) {
	var m domain.Metrics
	for _, ms := range []float64{10, 20, 60} {
		m.Record(domain.Result{Success: ms != 20, ExecutionTimeMs: ms, Error: map[bool]string{true: "x"}[ms == 20]})
	}
	if m.Total != 3 || m.Successful != 2 || m.Failed != 1 {
		t.Fatalf("counts %+v", m)
	}
	if math.Abs(m.AvgExecutionTimeMs-30) > 1e-9 {
		t.Fatalf("avg = %v", m.AvgExecutionTimeMs)
	}
}
