package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"engram/internal/config"
	"engram/internal/domain"
)

// Executor runs one task and reports its outcome. Expected failures such as
// a timeout, a non-zero exit or unusable output come back as a failed
// Result; a returned error means the executor itself misbehaved.
type Executor interface {
	Execute(ctx context.Context, task domain.Task, agent AgentConfig) (domain.Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, task domain.Task, agent AgentConfig) (domain.Result, error)

func (f Func) Execute(ctx context.Context, task domain.Task, agent AgentConfig) (domain.Result, error) {
	return f(ctx, task, agent)
}

// AgentConfig is the per-role execution profile handed to a backend.
type AgentConfig struct {
	ProfilePath string  `json:"profile_path,omitempty"`
	Temperature float64 `json:"temperature"`
	Focus       string  `json:"focus,omitempty"`
}

// AgentConfigs builds the role → profile table from config.
func AgentConfigs(cfg *config.Config) map[domain.Role]AgentConfig {
	out := make(map[domain.Role]AgentConfig, len(cfg.Roles))
	for role, rc := range cfg.RoleProfiles() {
		ac := AgentConfig{ProfilePath: rc.AgentFile, Focus: rc.Focus}
		if rc.Temperature != nil {
			ac.Temperature = *rc.Temperature
		}
		out[role] = ac
	}
	return out
}

// artifact is the structured output both backends expect from an agent.
type artifact struct {
	Output     any      `json:"output"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence"`
	Error      *string  `json:"error"`
}

func parseArtifact(data []byte) (artifact, error) {
	var out artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return artifact{}, err
	}
	return out, nil
}

// toResult maps an artifact onto a Result for task. A non-empty error field
// marks the result failed.
func (a artifact) toResult(task domain.Task, model string, elapsedMs float64) domain.Result {
	meta := metadata(task, model)
	if a.Error != nil && strings.TrimSpace(*a.Error) != "" {
		r := domain.FailedResult(task, *a.Error, elapsedMs)
		r.Metadata = meta
		r.Output = a.Output
		r.Reasoning = a.Reasoning
		return r
	}
	var confidence float64
	if a.Confidence != nil {
		confidence = *a.Confidence
	}
	r, err := domain.NewResult(domain.Result{
		TaskID:          task.ID,
		Role:            task.Role,
		Success:         true,
		Output:          a.Output,
		Reasoning:       a.Reasoning,
		ConfidenceScore: confidence,
		ExecutionTimeMs: elapsedMs,
		Metadata:        meta,
	})
	if err != nil {
		return failed(task, model, err, elapsedMs)
	}
	return r
}

func metadata(task domain.Task, model string) map[string]any {
	meta := make(map[string]any, len(task.InputData)+1)
	for k, v := range task.InputData {
		meta[k] = v
	}
	if _, set := meta["model"]; !set && model != "" {
		meta["model"] = model
	}
	return meta
}

func failed(task domain.Task, model string, err error, elapsedMs float64) domain.Result {
	r := domain.FailedResult(task, err.Error(), elapsedMs)
	r.Metadata = metadata(task, model)
	return r
}

func formatTemperature(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}
