package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"engram/internal/domain"
)

// FileName is the config file looked up in a workspace.
const FileName = "engram.yml"

// Config models engram.yml.
type Config struct {
	Coordinator CoordinatorConfig     `yaml:"coordinator" json:"coordinator"`
	Executor    ExecutorConfig        `yaml:"executor" json:"executor"`
	Roles       map[string]RoleConfig `yaml:"roles" json:"roles"`
	Models      map[string]string     `yaml:"models" json:"models"`
	Consensus   ConsensusConfig       `yaml:"consensus" json:"consensus"`
	Archive     ArchiveConfig         `yaml:"archive" json:"archive"`
	Server      ServerConfig          `yaml:"server" json:"server"`
	Webhooks    []WebhookConfig       `yaml:"webhooks" json:"webhooks,omitempty"`
	Log         LogConfig             `yaml:"log" json:"log"`
}

type CoordinatorConfig struct {
	ConcurrencyLimit  int             `yaml:"concurrency_limit" json:"concurrency_limit"`
	PollInterval      time.Duration   `yaml:"poll_interval" json:"poll_interval"`
	BatchPollInterval time.Duration   `yaml:"batch_poll_interval" json:"batch_poll_interval"`
	DefaultTimeout    time.Duration   `yaml:"default_timeout" json:"default_timeout"`
	TieBreak          string          `yaml:"tie_break" json:"tie_break"`
	Completed         CompletedConfig `yaml:"completed" json:"completed"`
}

// CompletedConfig bounds the completed-result set. MaxEntries 0 keeps
// every result for the lifetime of the process.
type CompletedConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
}

type ExecutorConfig struct {
	Backend        string        `yaml:"backend" json:"backend"`
	Command        string        `yaml:"command" json:"command"`
	Args           []string      `yaml:"args" json:"args,omitempty"`
	Env            []string      `yaml:"env" json:"env,omitempty"`
	AgentsDir      string        `yaml:"agents_dir" json:"agents_dir"`
	WorkRoot       string        `yaml:"work_root" json:"work_root,omitempty"`
	MaxOutputBytes int64         `yaml:"max_output_bytes" json:"max_output_bytes"`
	KillGrace      time.Duration `yaml:"kill_grace" json:"kill_grace"`
	MaxTokens      int64         `yaml:"max_tokens" json:"max_tokens"`
	APIKeyEnv      string        `yaml:"api_key_env" json:"api_key_env"`
}

type RoleConfig struct {
	AgentFile   string   `yaml:"agent_file" json:"agent_file,omitempty"`
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
	Focus       string   `yaml:"focus" json:"focus,omitempty"`
}

type ConsensusConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	AcceptThreshold     float64 `yaml:"accept_threshold" json:"accept_threshold"`
	ReviewThreshold     float64 `yaml:"review_threshold" json:"review_threshold"`
}

type ArchiveConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ServerConfig struct {
	Addr       string   `yaml:"addr" json:"addr"`
	BasePath   string   `yaml:"base_path" json:"base_path"`
	JWTSecret  string   `yaml:"jwt_secret" json:"-"`
	APIKeyHash []string `yaml:"api_key_hashes" json:"-"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Roles          []string `yaml:"roles" json:"roles,omitempty"`
	OnlyFailures   bool     `yaml:"only_failures" json:"only_failures,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with engram config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	co := c.Coordinator
	if co.ConcurrencyLimit <= 0 {
		return fmt.Errorf("coordinator.concurrency_limit must be > 0")
	}
	if co.PollInterval <= 0 || co.BatchPollInterval <= 0 {
		return fmt.Errorf("coordinator poll intervals must be > 0")
	}
	if co.DefaultTimeout <= 0 {
		return fmt.Errorf("coordinator.default_timeout must be > 0")
	}
	switch co.TieBreak {
	case "fifo", "lifo":
	default:
		return fmt.Errorf("coordinator.tie_break must be fifo or lifo, got %q", co.TieBreak)
	}
	if co.Completed.MaxEntries < 0 || co.Completed.TTL < 0 {
		return fmt.Errorf("coordinator.completed bounds must be >= 0")
	}
	if co.Completed.TTL > 0 && co.Completed.MaxEntries == 0 {
		return fmt.Errorf("coordinator.completed.ttl requires max_entries")
	}

	ex := c.Executor
	switch ex.Backend {
	case "process":
		if strings.TrimSpace(ex.Command) == "" {
			return fmt.Errorf("executor.command is required for the process backend")
		}
	case "anthropic":
		if ex.MaxTokens <= 0 {
			return fmt.Errorf("executor.max_tokens must be > 0 for the anthropic backend")
		}
	default:
		return fmt.Errorf("executor.backend must be process or anthropic, got %q", ex.Backend)
	}
	if ex.MaxOutputBytes <= 0 {
		return fmt.Errorf("executor.max_output_bytes must be > 0")
	}
	for name, rc := range c.Roles {
		if _, err := domain.ParseRole(name); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
		if rc.Temperature != nil && (*rc.Temperature < 0 || *rc.Temperature > 1) {
			return fmt.Errorf("roles.%s.temperature must be within [0,1]", name)
		}
	}
	for tier, model := range c.Models {
		if _, err := domain.ParseModelTier(tier); err != nil || strings.TrimSpace(tier) == "" {
			return fmt.Errorf("models: invalid tier %q", tier)
		}
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("models.%s is empty", tier)
		}
	}

	cs := c.Consensus
	for name, v := range map[string]float64{
		"confidence_threshold": cs.ConfidenceThreshold,
		"accept_threshold":     cs.AcceptThreshold,
		"review_threshold":     cs.ReviewThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("consensus.%s must be within [0,1]", name)
		}
	}
	if cs.ReviewThreshold > cs.AcceptThreshold {
		return fmt.Errorf("consensus.review_threshold must not exceed accept_threshold")
	}

	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, r := range hook.Roles {
			if _, err := domain.ParseRole(r); err != nil {
				return fmt.Errorf("webhooks[%d]: %w", i, err)
			}
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// RoleProfiles returns role settings keyed by parsed role.
func (c *Config) RoleProfiles() map[domain.Role]RoleConfig {
	out := make(map[domain.Role]RoleConfig, len(c.Roles))
	for name, rc := range c.Roles {
		role, err := domain.ParseRole(name)
		if err != nil {
			continue
		}
		out[role] = rc
	}
	return out
}

// ModelMap returns model identifiers keyed by parsed tier.
func (c *Config) ModelMap() map[domain.ModelTier]string {
	out := make(map[domain.ModelTier]string, len(c.Models))
	for name, model := range c.Models {
		tier, err := domain.ParseModelTier(name)
		if err != nil || name == "" {
			continue
		}
		out[tier] = model
	}
	return out
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `coordinator:
  concurrency_limit: 4
  poll_interval: 100ms
  batch_poll_interval: 500ms
  default_timeout: 5m
  tie_break: fifo
  completed:
    max_entries: 10000
    ttl: 0s

executor:
  backend: process
  command: claude
  args: ["--print", "--output-format", "json"]
  agents_dir: agents
  max_output_bytes: 1048576
  kill_grace: 2s
  max_tokens: 4096
  api_key_env: ANTHROPIC_API_KEY

roles:
  analyzer:
    temperature: 0.3
    focus: "pattern detection, relationship analysis, insight generation"
  synthesizer:
    temperature: 0.5
    focus: "knowledge synthesis, summary creation, connection building"
  curator:
    temperature: 0.2
    focus: "quality assessment, deduplication, organization"
  researcher:
    temperature: 0.4
    focus: "information gathering, fact checking, source validation"
  validator:
    temperature: 0.1
    focus: "consistency checking, error detection, quality assurance"
  consolidator:
    temperature: 0.3
    focus: "memory consolidation, hierarchy building, pruning"
  extractor:
    temperature: 0.2
    focus: "entity extraction, structured data mining"
  optimizer:
    temperature: 0.3
    focus: "performance tuning, retrieval optimization"

models:
  fast: claude-3-5-haiku-latest
  balanced: claude-sonnet-4-20250514
  reasoning: claude-opus-4-20250514

consensus:
  confidence_threshold: 0.7
  accept_threshold: 0.8
  review_threshold: 0.6

archive:
  enabled: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: console
`
