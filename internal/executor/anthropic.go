package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"engram/internal/domain"
	"engram/internal/logging"
)

// messageClient is the slice of the Messages API the backend needs.
type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicExecutor runs a task as a single Messages API call. The agent
// profile becomes the system prompt and the reply must be the same JSON
// artifact the process backend reads from output.json.
type AnthropicExecutor struct {
	Resolver       *Resolver
	MaxTokens      int64
	DefaultTimeout time.Duration
	Logger         *zap.Logger

	messages messageClient
}

// NewAnthropicExecutor creates a backend talking to the public API.
func NewAnthropicExecutor(apiKey string, maxTokens int64, defaultTimeout time.Duration, resolver *Resolver, logger *zap.Logger) *AnthropicExecutor {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicExecutor{
		Resolver:       resolver,
		MaxTokens:      maxTokens,
		DefaultTimeout: defaultTimeout,
		Logger:         logger,
		messages:       &client.Messages,
	}
}

const replyContract = `Respond with a single JSON object and nothing else:
{"output": <any>, "reasoning": "<string>", "confidence": <0..1>, "error": "<string, only when the task cannot be completed>"}`

func (a *AnthropicExecutor) Execute(ctx context.Context, task domain.Task, agent AgentConfig) (domain.Result, error) {
	start := time.Now()
	elapsed := func() float64 { return float64(time.Since(start)) / float64(time.Millisecond) }
	if a.Resolver == nil || a.messages == nil {
		return domain.Result{}, errors.New("anthropic executor is not configured")
	}
	log := logging.OrNop(a.Logger).With(zap.String("task_id", task.ID), zap.String("role", task.Role.String()))

	path, err := a.Resolver.ProfilePath(task, agent)
	if err != nil {
		return failed(task, "", err, elapsed()), nil
	}
	model, err := a.Resolver.Model(task)
	if err != nil {
		return failed(task, "", err, elapsed()), nil
	}
	profile, err := a.Resolver.Profile(path)
	if err != nil {
		return failed(task, model, execErr(KindAgentConfigNotFound, task.ID, err, "read %s", path), elapsed()), nil
	}
	prompt, err := taskPrompt(task)
	if err != nil {
		return domain.Result{}, fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	timeout := task.Timeout(a.DefaultTimeout)
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(agent.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(task.Role, agent.Focus, profile)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	resp, err := a.messages.New(callCtx, params)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			log.Warn("messages call timed out", zap.Duration("timeout", timeout))
			return failed(task, model, execErr(KindTimeout, task.ID, nil, "task %s exceeded %s", task.ID, timeout), elapsed()), nil
		}
		return failed(task, model, execErr(KindAPI, task.ID, err, "messages call"), elapsed()), nil
	}

	text := replyText(resp)
	art, err := parseArtifact([]byte(stripFence(text)))
	if err != nil {
		return failed(task, model, execErr(KindOutputMalformed, task.ID, err, "model reply is not a result object"), elapsed()), nil
	}
	log.Debug("messages call finished", zap.String("model", model), zap.Int64("output_tokens", resp.Usage.OutputTokens))
	return art.toResult(task, model, elapsed()), nil
}

func systemPrompt(role domain.Role, focus, profile string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s subagent.", role)
	if focus != "" {
		fmt.Fprintf(&b, " Focus: %s.", focus)
	}
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(profile))
	b.WriteString("\n\n")
	b.WriteString(replyContract)
	return b.String()
}

func taskPrompt(task domain.Task) (string, error) {
	in := inputArtifact{
		Task:           inputTask{ID: task.ID, Type: task.Type, Role: task.Role, Priority: task.Priority},
		Input:          task.InputData,
		Context:        task.Context,
		ExpectedOutput: task.ExpectedOutput,
		Timestamp:      task.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func replyText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// stripFence removes a surrounding ```json fence if the model added one.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
