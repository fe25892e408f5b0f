package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"engram/internal/domain"
	"engram/internal/executor"
)

type testEnv struct {
	agentsDir string
	workRoot  string
	resolver  *executor.Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	agents := t.TempDir()
	if err := os.WriteFile(filepath.Join(agents, "analyzer.md"), []byte("# analyzer\nFind patterns."), 0o644); err != nil {
		t.Fatal(err)
	}
	resolver, err := executor.NewResolver(agents, map[domain.ModelTier]string{
		domain.TierBalanced: "test-model-balanced",
		domain.TierFast:     "test-model-fast",
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	t.Cleanup(resolver.Close)
	return &testEnv{agentsDir: agents, workRoot: t.TempDir(), resolver: resolver}
}

func (e *testEnv) process(mode string, maxOutput int64) *executor.ProcessExecutor {
	return &executor.ProcessExecutor{
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess", "--"},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		WorkRoot:       e.workRoot,
		MaxOutputBytes: maxOutput,
		KillGrace:      500 * time.Millisecond,
		DefaultTimeout: 30 * time.Second,
		Resolver:       e.resolver,
		Now:            func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func (e *testEnv) assertWorkspaceClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.workRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not cleaned: %d entries left", len(entries))
	}
}

func analyzerTask(t *testing.T, timeoutSeconds int) domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.TaskOptions{
		ID:             "task-1",
		Role:           domain.RoleAnalyzer,
		Priority:       domain.PriorityHigh,
		Type:           "pattern",
		InputData:      map[string]any{"memory_id": "m-7"},
		TimeoutSeconds: timeoutSeconds,
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return task
}

// TestHelperProcess stands in for the agent CLI when re-invoked by the
// process executor.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := map[string]string{}
	rest := os.Args
	for i, a := range rest {
		if a == "--" {
			rest = rest[i+1:]
			break
		}
	}
	for i := 0; i+1 < len(rest); i += 2 {
		args[strings.TrimPrefix(rest[i], "--")] = rest[i+1]
	}
	out := args["output"]
	write := func(s string) {
		if err := os.WriteFile(out, []byte(s), 0o600); err != nil {
			os.Exit(3)
		}
	}
	switch os.Getenv("HELPER_MODE") {
	case "ok":
		data, err := os.ReadFile(args["input"])
		if err != nil {
			os.Exit(4)
		}
		var in struct {
			Task struct {
				ID       string `json:"id"`
				Priority string `json:"priority"`
			} `json:"task"`
			Input map[string]any `json:"input"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			os.Exit(5)
		}
		write(fmt.Sprintf(`{"output":{"id":%q,"priority":%q,"model":%q,"temperature":%q},"reasoning":"looked","confidence":0.85}`,
			in.Task.ID, in.Task.Priority, args["model"], args["temperature"]))
	case "overconfident":
		write(`{"output":"x","confidence":3}`)
	case "reported":
		write(`{"output":null,"reasoning":"no data","confidence":0.1,"error":"insufficient context"}`)
	case "exit1":
		fmt.Fprint(os.Stderr, "agent crashed")
		os.Exit(1)
	case "sleep":
		time.Sleep(20 * time.Second)
	case "nooutput":
	case "malformed":
		write(`{"output":`)
	case "huge":
		write(`{"output":"` + strings.Repeat("a", 4096) + `"}`)
	case "noisy":
		fmt.Fprint(os.Stdout, strings.Repeat("n", 8192))
		write(`{"output":"quiet","confidence":0.5}`)
	}
	os.Exit(0)
}

func TestProcessExecutorSuccess(t *testing.T) {
	env := newTestEnv(t)
	task := analyzerTask(t, 0)
	r, err := env.process("ok", 0).Execute(context.Background(), task, executor.AgentConfig{Temperature: 0.3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !r.Success || r.TaskID != "task-1" || r.Role != domain.RoleAnalyzer {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.ConfidenceScore != 0.85 || r.Reasoning != "looked" {
		t.Fatalf("artifact not mapped: %+v", r)
	}
	out, ok := r.Output.(map[string]any)
	if !ok {
		t.Fatalf("output type %T", r.Output)
	}
	if out["id"] != "task-1" || out["priority"] != "high" || out["model"] != "test-model-balanced" || out["temperature"] != "0.3" {
		t.Fatalf("invocation not as expected: %v", out)
	}
	if r.Metadata["memory_id"] != "m-7" || r.Metadata["model"] != "test-model-balanced" {
		t.Fatalf("metadata = %v", r.Metadata)
	}
	if r.ExecutionTimeMs <= 0 {
		t.Fatalf("execution time not measured")
	}
	env.assertWorkspaceClean(t)
}

func TestProcessExecutorKeepsCallerModelKey(t *testing.T) {
	env := newTestEnv(t)
	task := analyzerTask(t, 0)
	task.InputData = map[string]any{"model": "claim-model-a"}
	r, err := env.process("ok", 0).Execute(context.Background(), task, executor.AgentConfig{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Metadata["model"] != "claim-model-a" {
		t.Fatalf("metadata = %v", r.Metadata)
	}
}

func TestProcessExecutorFailuresAreResults(t *testing.T) {
	cases := []struct {
		mode string
		max  int64
		want string
	}{
		{"reported", 0, "insufficient context"},
		{"exit1", 0, "agent crashed"},
		{"nooutput", 0, string(executor.KindOutputMissing)},
		{"malformed", 0, string(executor.KindOutputMalformed)},
		{"huge", 1024, string(executor.KindOutputTooLarge)},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			env := newTestEnv(t)
			r, err := env.process(tc.mode, tc.max).Execute(context.Background(), analyzerTask(t, 0), executor.AgentConfig{})
			if err != nil {
				t.Fatalf("expected failure as result, got error %v", err)
			}
			if r.Success || !strings.Contains(r.Error, tc.want) {
				t.Fatalf("want failed result containing %q, got %+v", tc.want, r)
			}
			if r.TaskID != "task-1" {
				t.Fatalf("task id lost: %+v", r)
			}
			env.assertWorkspaceClean(t)
		})
	}
}

func TestProcessExecutorClampsAndCapsStdout(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.process("overconfident", 0).Execute(context.Background(), analyzerTask(t, 0), executor.AgentConfig{})
	if err != nil || !r.Success || r.ConfidenceScore != 1 {
		t.Fatalf("expected clamped success, got %+v err=%v", r, err)
	}
	r, err = env.process("noisy", 1024).Execute(context.Background(), analyzerTask(t, 0), executor.AgentConfig{})
	if err != nil || !r.Success || r.Output != "quiet" {
		t.Fatalf("noisy stdout should not fail the task: %+v err=%v", r, err)
	}
}

func TestProcessExecutorTimeoutKillsProcess(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now()
	r, err := env.process("sleep", 0).Execute(context.Background(), analyzerTask(t, 1), executor.AgentConfig{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Success || !strings.HasPrefix(r.Error, string(executor.KindTimeout)) {
		t.Fatalf("expected timeout result, got %+v", r)
	}
	if took := time.Since(start); took > 10*time.Second {
		t.Fatalf("process not killed promptly: %s", took)
	}
	env.assertWorkspaceClean(t)
}

func TestResolverFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	curator, err := domain.NewTask(domain.TaskOptions{ID: "c-1", Role: domain.RoleCurator}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.resolver.ProfilePath(curator, executor.AgentConfig{})
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != executor.KindAgentConfigNotFound {
		t.Fatalf("expected agent_config_not_found, got %v", err)
	}
	reasoning, err := domain.NewTask(domain.TaskOptions{ID: "r-1", Role: domain.RoleAnalyzer, ModelTier: domain.TierReasoning}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.resolver.Model(reasoning)
	if !errors.As(err, &execErr) || execErr.Kind != executor.KindModelNotFound || execErr.TaskID != "r-1" {
		t.Fatalf("expected model_not_found, got %v", err)
	}

	r, err := env.process("ok", 0).Execute(context.Background(), reasoning, executor.AgentConfig{})
	if err != nil || r.Success || !strings.Contains(r.Error, string(executor.KindModelNotFound)) {
		t.Fatalf("unresolved model should fail the task, got %+v err=%v", r, err)
	}
	env.assertWorkspaceClean(t)

	path, err := env.resolver.ProfilePath(reasoning, executor.AgentConfig{})
	if err != nil {
		t.Fatalf("profile path: %v", err)
	}
	text, err := env.resolver.Profile(path)
	if err != nil || !strings.Contains(text, "Find patterns") {
		t.Fatalf("profile = %q err=%v", text, err)
	}
}

func TestFuncAdapter(t *testing.T) {
	var called bool
	exec := executor.Func(func(ctx context.Context, task domain.Task, agent executor.AgentConfig) (domain.Result, error) {
		called = true
		return domain.Result{TaskID: task.ID, Success: true}, nil
	})
	if _, err := exec.Execute(context.Background(), analyzerTask(t, 0), executor.AgentConfig{}); err != nil || !called {
		t.Fatalf("adapter not invoked")
	}
}
