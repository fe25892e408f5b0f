package app

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"engram/internal/config"
	"engram/internal/logging"
)

// ResolveConfig loads the config for a workspace. An explicit path wins over
// <workspace>/engram.yml; without either the defaults apply. Relative paths
// inside the config are anchored at the workspace.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if workspace == "" {
		workspace = "."
	}
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(configPath) != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	cfg.Executor.AgentsDir = anchor(workspace, cfg.Executor.AgentsDir)
	cfg.Executor.WorkRoot = anchor(workspace, cfg.Executor.WorkRoot)
	cfg.Log.File = anchor(workspace, cfg.Log.File)
	for name, rc := range cfg.Roles {
		rc.AgentFile = anchor(workspace, rc.AgentFile)
		cfg.Roles[name] = rc
	}
	return cfg, nil
}

// NewLogger builds the process logger, applying a level override when set.
func NewLogger(cfg *config.Config, levelOverride string) (*zap.Logger, error) {
	lc := cfg.Log
	if levelOverride != "" {
		lc.Level = levelOverride
	}
	return logging.New(lc)
}

func anchor(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
