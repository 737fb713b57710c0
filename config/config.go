// Package config handles loading and persisting the scheduling engine's
// configuration.
//
// Configuration is stored in ~/.taskqueue-engine/config.json. Every knob
// has a conservative default so the engine runs unconfigured against an
// in-memory store for local experimentation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cogwheel-dev/taskqueue/log"
)

const (
	ConfigFileName = "config.json"
	defaultAgent   = "claude"
)

// Config holds every spec-mandated knob plus the ambient settings needed
// to resolve the agent binary and the assessment LLM credentials.
type Config struct {
	// AgentCommand is the agent CLI binary or shell command invoked by the driver.
	AgentCommand string `json:"agent_command"`

	// HeartbeatInterval is the seconds between beats. Default 300.
	HeartbeatInterval int `json:"heartbeat_interval_seconds"`
	// MaxConcurrentTasks caps simultaneously executing sessions.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// ProbeIntervalSeconds is the minimum gap, in seconds, between rate-limit probes.
	ProbeIntervalSeconds int `json:"probe_interval_seconds"`
	// ProbeTimeoutSeconds bounds a single probe invocation.
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds"`
	// DefaultTimeoutSeconds bounds a single session subprocess run.
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
	// TerminateGraceSeconds is the wait between graceful (SIGTERM) and
	// forced (SIGKILL) termination. Default 10, per spec.md §5's
	// terminate_process.
	TerminateGraceSeconds int `json:"terminate_grace_seconds"`

	// ReposDir holds the main clones projects are checked out into.
	ReposDir string `json:"repos_dir"`
	// WorktreesDir holds the per-task isolated worktrees.
	WorktreesDir string `json:"worktrees_dir"`
	// DefaultWorkingDir is used for tasks with no project/git repo.
	DefaultWorkingDir string `json:"default_working_dir"`
	// SessionsDir holds per-session stdout/stderr logs.
	SessionsDir string `json:"sessions_dir"`

	// AssessmentModel identifies the LLM used for task assessment.
	AssessmentModel string `json:"assessment_model"`
	// AnthropicAPIKey authenticates the assessment client. Never set on the
	// agent CLI's own environment: the driver scrubs it so the CLI falls
	// back to subscription-based auth.
	AnthropicAPIKey string `json:"-"`
}

// GetConfigDir returns the application's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskqueue-engine"), nil
}

// DefaultConfig returns the engine's configuration with every knob at its
// spec-mandated default.
func DefaultConfig() *Config {
	agent, err := GetAgentCommand()
	if err != nil {
		log.ErrorLog.Printf("failed to resolve agent command: %v", err)
		agent = defaultAgent
	}

	base, _ := GetConfigDir()
	if base == "" {
		base = os.TempDir()
	}

	return &Config{
		AgentCommand:          agent,
		HeartbeatInterval:     300,
		MaxConcurrentTasks:    3,
		ProbeIntervalSeconds:  300,
		ProbeTimeoutSeconds:   30,
		DefaultTimeoutSeconds: 600,
		TerminateGraceSeconds: 10,
		ReposDir:              filepath.Join(base, "repos"),
		WorktreesDir:          filepath.Join(base, "worktrees"),
		DefaultWorkingDir:     base,
		SessionsDir:           filepath.Join(base, "sessions"),
		AssessmentModel:       "claude-sonnet-4-5",
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
	}
}

// GetAgentCommand resolves the agent CLI the same way the teacher resolves
// "claude": shell-alias resolution first (the user may alias the binary in
// their rc file), falling back to a PATH lookup.
func GetAgentCommand() (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	var shellCmd string
	switch {
	case strings.Contains(shell, "zsh"):
		shellCmd = "source ~/.zshrc 2>/dev/null || true; which " + defaultAgent
	case strings.Contains(shell, "bash"):
		shellCmd = "source ~/.bashrc 2>/dev/null || true; which " + defaultAgent
	default:
		shellCmd = "which " + defaultAgent
	}

	cmd := exec.Command(shell, "-c", shellCmd)
	output, err := cmd.Output()
	if err == nil && len(output) > 0 {
		path := strings.TrimSpace(string(output))
		if path != "" {
			aliasRegex := regexp.MustCompile(`(?:aliased to|->|=)\s*([^\s]+)`)
			if matches := aliasRegex.FindStringSubmatch(path); len(matches) > 1 {
				path = matches[1]
			}
			return path, nil
		}
	}

	if p, err := exec.LookPath(defaultAgent); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("%s command not found in aliases or PATH", defaultAgent)
}

// LoadConfig reads the config file, falling back to the default
// configuration when the file is missing or unparseable. Only a missing file
// is replaced on disk by the defaults; an unparseable one is left as it is.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		log.WarningLog.Printf("failed to read config file: %v", err)
		return DefaultConfig()
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}
	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	return cfg
}

// SaveConfig persists the configuration to disk.
func SaveConfig(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceSeconds) * time.Second
}
