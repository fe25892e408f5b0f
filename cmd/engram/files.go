package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"engram/internal/domain"
)

// taskFile is the input of `engram run`: either a bare list of tasks or a
// mapping with a tasks key.
type taskFile struct {
	Tasks []domain.TaskOptions `yaml:"tasks"`
}

func loadTaskFile(path string) ([]domain.TaskOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTasks(data)
}

func parseTasks(data []byte) ([]domain.TaskOptions, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid task file: %w", err)
	}
	var tasks []domain.TaskOptions
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&tasks); err != nil {
			return nil, fmt.Errorf("invalid task file: %w", err)
		}
	} else {
		var f taskFile
		if err := node.Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid task file: %w", err)
		}
		tasks = f.Tasks
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file has no tasks")
	}
	return tasks, nil
}

func loadResultFile(path string) ([]domain.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []domain.Result
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid result file: %w", err)
	}
	results := make([]domain.Result, 0, len(raw))
	for i, r := range raw {
		res, err := domain.NewResult(r)
		if err != nil {
			return nil, fmt.Errorf("results[%d]: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}
