// Package config is the on-disk configuration for corvid-agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	// StateDir holds the journal database and role preset files.
	// If empty, the agent picks a default (~/.corvid-agent).
	StateDir string `json:"state_dir,omitempty"`

	// Provider is "anthropic" or "openai".
	Provider string `json:"provider,omitempty"`
	// Model is the provider model id used for delegated turns.
	Model string `json:"model,omitempty"`

	// CancelTimeoutMS bounds the aggregate cleanup of a bulk subagent
	// cancellation. Defaults to 5000.
	CancelTimeoutMS *int `json:"cancel_timeout_ms,omitempty"`

	// MaxParallel caps concurrently running subagents. Defaults to 5.
	MaxParallel *int `json:"max_parallel,omitempty"`

	// MaxDepth caps nested delegation. Defaults to 3.
	MaxDepth *int `json:"max_depth,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(strings.ToLower(c.Provider)) {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.CancelTimeoutMS != nil && *c.CancelTimeoutMS <= 0 {
		return errors.New("cancel_timeout_ms must be positive")
	}
	if c.MaxParallel != nil && *c.MaxParallel <= 0 {
		return errors.New("max_parallel must be positive")
	}
	if c.MaxDepth != nil && *c.MaxDepth <= 0 {
		return errors.New("max_depth must be positive")
	}
	return nil
}

func (c *Config) ResolvedStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".corvid-agent"
	}
	return filepath.Join(home, ".corvid-agent")
}

func (c *Config) CancelTimeout() time.Duration {
	if c == nil || c.CancelTimeoutMS == nil {
		return 5000 * time.Millisecond
	}
	return time.Duration(*c.CancelTimeoutMS) * time.Millisecond
}

func (c *Config) MaxParallelSubagents() int {
	if c == nil || c.MaxParallel == nil {
		return 5
	}
	return *c.MaxParallel
}

func (c *Config) MaxDelegationDepth() int {
	if c == nil || c.MaxDepth == nil {
		return 3
	}
	return *c.MaxDepth
}

// DefaultConfigPath returns the default config path:
//
//	~/.corvid-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "corvid-agent.config.json"
	}
	return filepath.Join(home, ".corvid-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}
