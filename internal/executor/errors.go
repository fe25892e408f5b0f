package executor

import "fmt"

// ErrorKind classifies an ExecutionError.
type ErrorKind string

const (
	KindAgentConfigNotFound ErrorKind = "agent_config_not_found"
	KindModelNotFound       ErrorKind = "model_not_found"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindSpawn               ErrorKind = "spawn_failed"
	KindExit                ErrorKind = "nonzero_exit"
	KindOutputMissing       ErrorKind = "output_missing"
	KindOutputTooLarge      ErrorKind = "output_too_large"
	KindOutputMalformed     ErrorKind = "output_malformed"
	KindAPI                 ErrorKind = "api_error"
	KindWorkspace           ErrorKind = "workspace"
)

// ExecutionError describes why a backend could not produce a usable result.
type ExecutionError struct {
	Kind   ErrorKind
	TaskID string
	Detail string
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(kind ErrorKind, taskID string, err error, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, TaskID: taskID, Detail: fmt.Sprintf(format, args...), Err: err}
}
