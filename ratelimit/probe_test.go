package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogwheel-dev/taskqueue/store"
)

func writeFakeProbeAgent(t *testing.T, isError bool, result string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-probe-agent")
	errFlag := "false"
	if isError {
		errFlag = "true"
	}
	script := "#!/bin/bash\necho '{\"is_error\":" + errFlag + ",\"result\":\"" + result + "\"}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestGetRateLimitStatusCapacityAvailable(t *testing.T) {
	agent := writeFakeProbeAgent(t, false, "ok")
	s := store.NewMemory()
	probe := New(s, agent, time.Millisecond, time.Second)

	status, err := probe.GetRateLimitStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.IsLimited)
}

func TestGetRateLimitStatusDetectsRateLimit(t *testing.T) {
	agent := writeFakeProbeAgent(t, true, "rate limit exceeded, try again in 30 minutes")
	s := store.NewMemory()
	probe := New(s, agent, time.Millisecond, time.Second)

	status, err := probe.GetRateLimitStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsLimited)
	require.NotNil(t, status.ResetAt)
	assert.True(t, status.ResetAt.After(time.Now()))
}

func TestGetRateLimitStatusSkipsProbeWhileStillLimited(t *testing.T) {
	agent := writeFakeProbeAgent(t, false, "ok")
	s := store.NewMemory()
	probe := New(s, agent, time.Hour, time.Second)

	probe.MarkRateLimited(context.Background(), time.Now().Add(time.Hour))

	status, err := probe.GetRateLimitStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsLimited, "cached limited status with a future reset_at should be returned without probing")
}

func TestMarkRateLimitedPersistsToStore(t *testing.T) {
	s := store.NewMemory()
	probe := New(s, "/bin/true", time.Minute, time.Second)
	resetAt := time.Now().Add(2 * time.Hour)

	probe.MarkRateLimited(context.Background(), resetAt)

	persisted, err := s.GetRateLimitStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.True(t, persisted.IsLimited)
}
