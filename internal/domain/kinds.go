package domain

import (
	"fmt"
	"strings"
)

// Role is the specialization a subagent runs under.
type Role string

const (
	RoleAnalyzer     Role = "analyzer"
	RoleSynthesizer  Role = "synthesizer"
	RoleCurator      Role = "curator"
	RoleResearcher   Role = "researcher"
	RoleValidator    Role = "validator"
	RoleConsolidator Role = "consolidator"
	RoleExtractor    Role = "extractor"
	RoleOptimizer    Role = "optimizer"
)

var allRoles = []Role{
	RoleAnalyzer,
	RoleSynthesizer,
	RoleCurator,
	RoleResearcher,
	RoleValidator,
	RoleConsolidator,
	RoleExtractor,
	RoleOptimizer,
}

// Roles returns every known role in declaration order.
func Roles() []Role {
	return append([]Role(nil), allRoles...)
}

func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Priority orders queued tasks. It carries no SLA meaning.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("invalid priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ModelTier is resolved to a concrete model identifier by the executor backend.
type ModelTier string

const (
	TierFast      ModelTier = "fast"
	TierBalanced  ModelTier = "balanced"
	TierReasoning ModelTier = "reasoning"
)

// Valid returns true if the tier is a known value.
func (t ModelTier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierReasoning:
		return true
	default:
		return false
	}
}

func ParseModelTier(s string) (ModelTier, error) {
	t := ModelTier(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TierBalanced, nil
	}
	if !t.Valid() {
		return "", fmt.Errorf("invalid model tier %q", s)
	}
	return t, nil
}

func (t *ModelTier) UnmarshalText(text []byte) error {
	parsed, err := ParseModelTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Status is where a task sits in the coordinator's bookkeeping.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusNotFound  Status = "not_found"
)
