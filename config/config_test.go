package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogwheel-dev/taskqueue/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func TestGetAgentCommand(t *testing.T) {
	originalShell := os.Getenv("SHELL")
	originalPath := os.Getenv("PATH")
	defer func() {
		os.Setenv("SHELL", originalShell)
		os.Setenv("PATH", originalPath)
	}()

	t.Run("finds claude in PATH", func(t *testing.T) {
		tempDir := t.TempDir()
		claudePath := filepath.Join(tempDir, "claude")
		err := os.WriteFile(claudePath, []byte("#!/bin/bash\necho 'mock claude'"), 0755)
		require.NoError(t, err)

		os.Setenv("PATH", tempDir+":"+originalPath)
		os.Setenv("SHELL", "/bin/bash")

		result, err := GetAgentCommand()

		assert.NoError(t, err)
		assert.True(t, strings.Contains(result, "claude"))
	})

	t.Run("handles missing claude command", func(t *testing.T) {
		tempDir := t.TempDir()
		os.Setenv("PATH", tempDir)
		os.Setenv("SHELL", "/bin/bash")

		result, err := GetAgentCommand()

		assert.Error(t, err)
		assert.Equal(t, "", result)
		assert.Contains(t, err.Error(), "command not found")
	})

	t.Run("handles empty SHELL environment", func(t *testing.T) {
		tempDir := t.TempDir()
		claudePath := filepath.Join(tempDir, "claude")
		err := os.WriteFile(claudePath, []byte("#!/bin/bash\necho 'mock claude'"), 0755)
		require.NoError(t, err)

		os.Setenv("PATH", tempDir+":"+originalPath)
		os.Unsetenv("SHELL")

		result, err := GetAgentCommand()

		assert.NoError(t, err)
		assert.True(t, strings.Contains(result, "claude"))
	})

	t.Run("handles alias parsing", func(t *testing.T) {
		aliasRegex := regexp.MustCompile(`(?:aliased to|->|=)\s*([^\s]+)`)

		output := "claude: aliased to /usr/local/bin/claude"
		matches := aliasRegex.FindStringSubmatch(output)
		assert.Len(t, matches, 2)
		assert.Equal(t, "/usr/local/bin/claude", matches[1])

		output = "/usr/local/bin/claude"
		matches = aliasRegex.FindStringSubmatch(output)
		assert.Len(t, matches, 0)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.AgentCommand)
	assert.Equal(t, 300, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 300, cfg.ProbeIntervalSeconds)
	assert.Equal(t, 30, cfg.ProbeTimeoutSeconds)
	assert.Equal(t, 600, cfg.DefaultTimeoutSeconds)
	assert.Equal(t, 10, cfg.TerminateGraceSeconds)
	assert.NotEmpty(t, cfg.ReposDir)
	assert.NotEmpty(t, cfg.WorktreesDir)
	assert.NotEmpty(t, cfg.SessionsDir)
	assert.Equal(t, "claude-sonnet-4-5", cfg.AssessmentModel)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		HeartbeatInterval:     300,
		ProbeIntervalSeconds:  60,
		ProbeTimeoutSeconds:   15,
		DefaultTimeoutSeconds: 600,
		TerminateGraceSeconds: 2,
	}

	assert.Equal(t, "5m0s", cfg.HeartbeatPeriod().String())
	assert.Equal(t, "1m0s", cfg.ProbeInterval().String())
	assert.Equal(t, "15s", cfg.ProbeTimeout().String())
	assert.Equal(t, "10m0s", cfg.DefaultTimeout().String())
	assert.Equal(t, "2s", cfg.TerminateGrace().String())
}

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()

	assert.NoError(t, err)
	assert.NotEmpty(t, configDir)
	assert.True(t, strings.HasSuffix(configDir, ".taskqueue-engine"))
	assert.True(t, filepath.IsAbs(configDir))
}

func TestLoadConfig(t *testing.T) {
	t.Run("writes and returns default config when file doesn't exist", func(t *testing.T) {
		originalHome := os.Getenv("HOME")
		tempHome := t.TempDir()
		os.Setenv("HOME", tempHome)
		defer os.Setenv("HOME", originalHome)

		cfg := LoadConfig()

		assert.NotNil(t, cfg)
		assert.NotEmpty(t, cfg.AgentCommand)
		assert.Equal(t, 300, cfg.HeartbeatInterval)
		assert.FileExists(t, filepath.Join(tempHome, ".taskqueue-engine", ConfigFileName))
	})

	t.Run("loads valid config file", func(t *testing.T) {
		tempHome := t.TempDir()
		configDir := filepath.Join(tempHome, ".taskqueue-engine")
		require.NoError(t, os.MkdirAll(configDir, 0755))

		configContent := `{
			"agent_command": "test-claude",
			"heartbeat_interval_seconds": 120,
			"max_concurrent_tasks": 5,
			"assessment_model": "claude-opus-4"
		}`
		require.NoError(t, os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte(configContent), 0644))

		originalHome := os.Getenv("HOME")
		os.Setenv("HOME", tempHome)
		defer os.Setenv("HOME", originalHome)

		cfg := LoadConfig()

		assert.NotNil(t, cfg)
		assert.Equal(t, "test-claude", cfg.AgentCommand)
		assert.Equal(t, 120, cfg.HeartbeatInterval)
		assert.Equal(t, 5, cfg.MaxConcurrentTasks)
		assert.Equal(t, "claude-opus-4", cfg.AssessmentModel)
	})

	t.Run("returns default config on invalid JSON", func(t *testing.T) {
		tempHome := t.TempDir()
		configDir := filepath.Join(tempHome, ".taskqueue-engine")
		require.NoError(t, os.MkdirAll(configDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte(`{"invalid": json}`), 0644))

		originalHome := os.Getenv("HOME")
		os.Setenv("HOME", tempHome)
		defer os.Setenv("HOME", originalHome)

		cfg := LoadConfig()

		assert.NotNil(t, cfg)
		assert.NotEmpty(t, cfg.AgentCommand)
		assert.Equal(t, 300, cfg.HeartbeatInterval)
	})
}

func TestSaveConfig(t *testing.T) {
	tempHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tempHome)
	defer os.Setenv("HOME", originalHome)

	testConfig := &Config{
		AgentCommand:          "test-program",
		HeartbeatInterval:     120,
		MaxConcurrentTasks:    7,
		ProbeIntervalSeconds:  60,
		ProbeTimeoutSeconds:   10,
		DefaultTimeoutSeconds: 300,
		TerminateGraceSeconds: 1,
		AssessmentModel:       "claude-opus-4",
	}

	require.NoError(t, SaveConfig(testConfig))

	configPath := filepath.Join(tempHome, ".taskqueue-engine", ConfigFileName)
	assert.FileExists(t, configPath)

	loaded := LoadConfig()
	assert.Equal(t, testConfig.AgentCommand, loaded.AgentCommand)
	assert.Equal(t, testConfig.HeartbeatInterval, loaded.HeartbeatInterval)
	assert.Equal(t, testConfig.MaxConcurrentTasks, loaded.MaxConcurrentTasks)
	assert.Equal(t, testConfig.AssessmentModel, loaded.AssessmentModel)
}
