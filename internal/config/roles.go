package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	RoleExplore  = "explore"
	RoleWorker   = "worker"
	RoleReviewer = "reviewer"
)

// RolePreset is the execution envelope for one subagent role. Built-in
// presets can be overridden by YAML files under <state_dir>/roles.
type RolePreset struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Mode is "act" (full tool execution) or "plan" (read-only planning).
	Mode       string `yaml:"mode"`
	MaxSteps   int    `yaml:"max_steps"`
	TimeoutSec int    `yaml:"timeout_sec"`
	ReadOnly   bool   `yaml:"read_only"`
}

func (p *RolePreset) Validate() error {
	if p == nil {
		return errors.New("nil role preset")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("missing role name")
	}
	switch strings.TrimSpace(strings.ToLower(p.Mode)) {
	case "act", "plan":
	default:
		return fmt.Errorf("role %q: mode must be act or plan", p.Name)
	}
	if p.MaxSteps <= 0 || p.MaxSteps > 32 {
		return fmt.Errorf("role %q: max_steps must be in (0, 32]", p.Name)
	}
	if p.TimeoutSec <= 0 || p.TimeoutSec > 900 {
		return fmt.Errorf("role %q: timeout_sec must be in (0, 900]", p.Name)
	}
	return nil
}

// BuiltinRolePresets returns the default execution envelopes per role.
func BuiltinRolePresets() map[string]RolePreset {
	return map[string]RolePreset{
		RoleExplore: {
			Name:        RoleExplore,
			Description: "Read-only codebase exploration",
			Mode:        "plan",
			MaxSteps:    8,
			TimeoutSec:  180,
			ReadOnly:    true,
		},
		RoleWorker: {
			Name:        RoleWorker,
			Description: "Full tool execution for delegated changes",
			Mode:        "act",
			MaxSteps:    12,
			TimeoutSec:  360,
			ReadOnly:    false,
		},
		RoleReviewer: {
			Name:        RoleReviewer,
			Description: "Read-only review of produced changes",
			Mode:        "plan",
			MaxSteps:    10,
			TimeoutSec:  300,
			ReadOnly:    true,
		},
	}
}

// LoadRolePresets merges YAML overrides from dir into the built-in presets.
// A missing directory yields the builtins unchanged. Invalid preset files are
// rejected, not skipped, so a typo cannot silently widen a role's envelope.
func LoadRolePresets(dir string) (map[string]RolePreset, error) {
	out := BuiltinRolePresets()

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var preset RolePreset
		if err := yaml.Unmarshal(b, &preset); err != nil {
			return nil, fmt.Errorf("role preset %s: %w", name, err)
		}
		preset.Name = strings.TrimSpace(strings.ToLower(preset.Name))
		preset.Mode = strings.TrimSpace(strings.ToLower(preset.Mode))
		if err := preset.Validate(); err != nil {
			return nil, fmt.Errorf("role preset %s: %w", name, err)
		}
		out[preset.Name] = preset
	}
	return out, nil
}

// Role resolves a preset by name, falling back to explore for unknown roles.
func Role(presets map[string]RolePreset, name string) RolePreset {
	name = strings.TrimSpace(strings.ToLower(name))
	if preset, ok := presets[name]; ok {
		return preset
	}
	return presets[RoleExplore]
}
