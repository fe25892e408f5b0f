package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram/internal/config"
	"engram/internal/domain"
	"engram/internal/logging"
)

const (
	inputFile  = "input.json"
	outputFile = "output.json"

	defaultMaxOutput = 1 << 20
	defaultKillGrace = 2 * time.Second
)

// ProcessExecutor runs each task as one invocation of an external agent CLI
// inside a private temporary directory.
type ProcessExecutor struct {
	Command        string
	Args           []string
	Env            []string
	WorkRoot       string
	MaxOutputBytes int64
	KillGrace      time.Duration
	DefaultTimeout time.Duration
	Resolver       *Resolver
	Now            func() time.Time
	Logger         *zap.Logger
}

// NewProcessExecutor builds a process backend from the executor section.
func NewProcessExecutor(cfg config.ExecutorConfig, defaultTimeout time.Duration, resolver *Resolver, logger *zap.Logger) *ProcessExecutor {
	return &ProcessExecutor{
		Command:        cfg.Command,
		Args:           append([]string(nil), cfg.Args...),
		Env:            append([]string(nil), cfg.Env...),
		WorkRoot:       cfg.WorkRoot,
		MaxOutputBytes: cfg.MaxOutputBytes,
		KillGrace:      cfg.KillGrace,
		DefaultTimeout: defaultTimeout,
		Resolver:       resolver,
		Logger:         logger,
	}
}

type inputTask struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Role     domain.Role     `json:"role"`
	Priority domain.Priority `json:"priority"`
}

type inputArtifact struct {
	Task           inputTask      `json:"task"`
	Input          map[string]any `json:"input"`
	Context        map[string]any `json:"context"`
	ExpectedOutput string         `json:"expected_output"`
	Timestamp      string         `json:"timestamp"`
}

func (p *ProcessExecutor) Execute(ctx context.Context, task domain.Task, agent AgentConfig) (domain.Result, error) {
	start := time.Now()
	elapsed := func() float64 { return float64(time.Since(start)) / float64(time.Millisecond) }
	log := logging.OrNop(p.Logger).With(zap.String("task_id", task.ID), zap.String("role", task.Role.String()))

	if p.Resolver == nil {
		return domain.Result{}, errors.New("process executor has no resolver")
	}
	profile, err := p.Resolver.ProfilePath(task, agent)
	if err != nil {
		return failed(task, "", err, elapsed()), nil
	}
	model, err := p.Resolver.Model(task)
	if err != nil {
		return failed(task, "", err, elapsed()), nil
	}

	dir, err := os.MkdirTemp(p.WorkRoot, "engram-task-")
	if err != nil {
		return failed(task, model, execErr(KindWorkspace, task.ID, err, "create workspace"), elapsed()), nil
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("workspace cleanup failed", zap.String("dir", dir), zap.Error(err))
		}
	}()

	inPath := filepath.Join(dir, inputFile)
	outPath := filepath.Join(dir, outputFile)
	if err := p.writeInput(inPath, task); err != nil {
		return failed(task, model, execErr(KindWorkspace, task.ID, err, "write input"), elapsed()), nil
	}

	timeout := task.Timeout(p.DefaultTimeout)
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), p.Args...)
	args = append(args,
		"--agent", profile,
		"--model", model,
		"--temperature", formatTemperature(agent.Temperature),
		"--timeout", strconv.Itoa(int(math.Ceil(timeout.Seconds()))),
		"--input", inPath,
		"--output", outPath,
	)
	limit := p.maxOutput()
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)

	cmd := exec.CommandContext(runCtx, p.Command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return interruptProcessGroup(cmd) }
	cmd.WaitDelay = p.killGrace()

	log.Debug("spawning agent", zap.String("command", p.Command), zap.String("model", model), zap.Duration("timeout", timeout))
	runErr := cmd.Run()
	if runCtx.Err() != nil {
		killProcessGroup(cmd)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("agent timed out", zap.Duration("timeout", timeout))
			return failed(task, model, execErr(KindTimeout, task.ID, nil, "task %s exceeded %s", task.ID, timeout), elapsed()), nil
		}
		return failed(task, model, execErr(KindCancelled, task.ID, ctx.Err(), "task %s", task.ID), elapsed()), nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return failed(task, model, execErr(KindExit, task.ID, nil, "exit code %d%s", exitErr.ExitCode(), tail(stderr.String())), elapsed()), nil
		}
		return failed(task, model, execErr(KindSpawn, task.ID, runErr, "%s", p.Command), elapsed()), nil
	}
	if stdout.Truncated() || stderr.Truncated() {
		log.Debug("agent output truncated", zap.Int64("limit", limit))
	}

	data, err := readCapped(outPath, limit)
	if err != nil {
		return failed(task, model, classifyOutputErr(task.ID, err, limit), elapsed()), nil
	}
	art, err := parseArtifact(data)
	if err != nil {
		return failed(task, model, execErr(KindOutputMalformed, task.ID, err, "%s", outputFile), elapsed()), nil
	}
	return art.toResult(task, model, elapsed()), nil
}

func (p *ProcessExecutor) writeInput(path string, task domain.Task) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	in := inputArtifact{
		Task: inputTask{
			ID:       task.ID,
			Type:     task.Type,
			Role:     task.Role,
			Priority: task.Priority,
		},
		Input:          task.InputData,
		Context:        task.Context,
		ExpectedOutput: task.ExpectedOutput,
		Timestamp:      now().UTC().Format(time.RFC3339Nano),
	}
	if in.Input == nil {
		in.Input = map[string]any{}
	}
	if in.Context == nil {
		in.Context = map[string]any{}
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (p *ProcessExecutor) maxOutput() int64 {
	if p.MaxOutputBytes <= 0 {
		return defaultMaxOutput
	}
	return p.MaxOutputBytes
}

func (p *ProcessExecutor) killGrace() time.Duration {
	if p.KillGrace <= 0 {
		return defaultKillGrace
	}
	return p.KillGrace
}

var errTooLarge = errors.New("output too large")

func readCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}

func classifyOutputErr(taskID string, err error, limit int64) *ExecutionError {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return execErr(KindOutputMissing, taskID, nil, "agent wrote no %s", outputFile)
	case errors.Is(err, errTooLarge):
		return execErr(KindOutputTooLarge, taskID, nil, "%s exceeds %d bytes", outputFile, limit)
	default:
		return execErr(KindOutputMissing, taskID, err, "read %s", outputFile)
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const keep = 512
	if len(s) > keep {
		s = s[len(s)-keep:]
	}
	return fmt.Sprintf(" (stderr: %s)", s)
}
