package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"

	"engram/internal/domain"
)

// Resolver turns a task's role and model tier into the concrete agent
// profile and model identifier. Both lookups fail closed.
type Resolver struct {
	AgentsDir string
	Models    map[domain.ModelTier]string

	profiles *ristretto.Cache
}

// NewResolver returns a resolver with a small cache for profile contents.
func NewResolver(agentsDir string, models map[domain.ModelTier]string) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 10,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &Resolver{AgentsDir: agentsDir, Models: models, profiles: cache}, nil
}

// ProfilePath returns the agent profile for role. An explicit path in agent
// wins over <agents_dir>/<role>.md; either way the file must exist.
func (r *Resolver) ProfilePath(task domain.Task, agent AgentConfig) (string, error) {
	path := strings.TrimSpace(agent.ProfilePath)
	if path == "" {
		path = filepath.Join(r.AgentsDir, task.Role.String()+".md")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", execErr(KindAgentConfigNotFound, task.ID, nil, "no agent profile for role %s at %s", task.Role, path)
		}
		return "", execErr(KindAgentConfigNotFound, task.ID, err, "agent profile %s", path)
	}
	if info.IsDir() {
		return "", execErr(KindAgentConfigNotFound, task.ID, nil, "agent profile %s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// Model returns the model identifier for the task's tier.
func (r *Resolver) Model(task domain.Task) (string, error) {
	model := strings.TrimSpace(r.Models[task.ModelTier])
	if model == "" {
		return "", execErr(KindModelNotFound, task.ID, nil, "no model configured for tier %s", task.ModelTier)
	}
	return model, nil
}

// Profile returns the contents of the profile at path.
func (r *Resolver) Profile(path string) (string, error) {
	if r.profiles != nil {
		if v, ok := r.profiles.Get(path); ok {
			return v.(string), nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(data)
	if r.profiles != nil {
		r.profiles.Set(path, text, int64(len(text)))
	}
	return text, nil
}

// Close releases the profile cache.
func (r *Resolver) Close() {
	if r.profiles != nil {
		r.profiles.Close()
	}
}
