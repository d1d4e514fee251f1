package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSaveRoundtrip(t *testing.T) {
	t.Parallel()

	timeout := 2500
	maxParallel := 2
	cfg := &Config{
		StateDir:        t.TempDir(),
		Provider:        "anthropic",
		Model:           "claude-sonnet-4-5",
		CancelTimeoutMS: &timeout,
		MaxParallel:     &maxParallel,
		LogFormat:       "text",
		LogLevel:        "debug",
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Provider != "anthropic" || loaded.Model != "claude-sonnet-4-5" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if got := loaded.CancelTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("CancelTimeout = %v, want 2.5s", got)
	}
	if got := loaded.MaxParallelSubagents(); got != 2 {
		t.Fatalf("MaxParallelSubagents = %d, want 2", got)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if got := cfg.CancelTimeout(); got != 5*time.Second {
		t.Fatalf("default CancelTimeout = %v, want 5s", got)
	}
	if got := cfg.MaxParallelSubagents(); got != 5 {
		t.Fatalf("default MaxParallelSubagents = %d, want 5", got)
	}
	if got := cfg.MaxDelegationDepth(); got != 3 {
		t.Fatalf("default MaxDelegationDepth = %d, want 3", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	bad := 0
	cases := []*Config{
		{Provider: "mystery"},
		{CancelTimeoutMS: &bad},
		{MaxParallel: &bad},
		{MaxDepth: &bad},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadRolePresetsBuiltins(t *testing.T) {
	t.Parallel()

	presets, err := LoadRolePresets(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadRolePresets: %v", err)
	}
	worker := Role(presets, "worker")
	if worker.Mode != "act" || worker.ReadOnly {
		t.Fatalf("worker preset = %+v", worker)
	}
	explore := Role(presets, "unknown-role")
	if explore.Name != RoleExplore {
		t.Fatalf("unknown role fallback = %+v", explore)
	}
}

func TestLoadRolePresetsOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	override := `name: worker
description: slow careful worker
mode: act
max_steps: 6
timeout_sec: 120
read_only: false
`
	if err := os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(override), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	presets, err := LoadRolePresets(dir)
	if err != nil {
		t.Fatalf("LoadRolePresets: %v", err)
	}
	worker := Role(presets, "worker")
	if worker.MaxSteps != 6 || worker.TimeoutSec != 120 {
		t.Fatalf("override not applied: %+v", worker)
	}
	// Untouched roles keep their builtin envelope.
	if got := Role(presets, "reviewer").MaxSteps; got != 10 {
		t.Fatalf("reviewer max_steps = %d, want 10", got)
	}
}

func TestLoadRolePresetsRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	invalid := `name: worker
mode: act
max_steps: 99
timeout_sec: 120
`
	if err := os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(invalid), 0o600); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if _, err := LoadRolePresets(dir); err == nil {
		t.Fatalf("expected error for out-of-range max_steps")
	}
}
