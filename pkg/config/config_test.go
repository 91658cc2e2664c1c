package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/lock"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, lock.BackendBolt, cfg.Lock.Backend)
	assert.Equal(t, "fifo", cfg.Scheduler.SessionPolicy)
	assert.Equal(t, "concentrated", cfg.Scheduler.AgentPolicy)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Dispatch.ConcurrencyBudget)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.ExecTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StateDeadline("default", "PREPARING"))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/hive-test
scheduler:
  session_policy: drf
  hol_block_threshold: 3
  groups:
    gpu:
      session_policy: priority
      agent_policy: dispersed
      state_deadlines:
        PULLING: 1h
dispatch:
  create_timeout: 90s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hive-test", cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.CreateTimeout)

	// Group overrides resolve, others fall back.
	assert.Equal(t, "priority", cfg.GroupSessionPolicy("gpu"))
	assert.Equal(t, "drf", cfg.GroupSessionPolicy("default"))
	assert.Equal(t, "dispersed", cfg.GroupAgentPolicy("gpu"))
	assert.Equal(t, "concentrated", cfg.GroupAgentPolicy("default"))
	assert.Equal(t, 3, cfg.GroupHOLThreshold("gpu"))
	assert.Equal(t, time.Hour, cfg.StateDeadline("gpu", "PULLING"))
	assert.Equal(t, 30*time.Minute, cfg.StateDeadline("default", "PULLING"))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HIVE_SCHEDULER_SESSION_POLICY", "priority")
	t.Setenv("HIVE_LOCK_BACKEND", "file")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "priority", cfg.Scheduler.SessionPolicy)
	assert.Equal(t, lock.BackendFile, cfg.Lock.Backend)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  session_policy: shortest-job-first\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateGroupSlotTypes(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  groups:
    gpu:
      slots:
        cuda.device: widgets
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown slot type")

	path = writeConfig(t, `
scheduler:
  groups:
    gpu:
      slots:
        cuda.device: count
        nvlink: unique
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "count", cfg.Scheduler.Groups["gpu"].Slots["cuda.device"])
}

func TestValidateRedisBackendNeedsAddr(t *testing.T) {
	path := writeConfig(t, "lock:\n  backend: redis\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")

	path = writeConfig(t, "lock:\n  backend: redis\nredis:\n  addr: localhost:6379\n")
	_, err = Load(path)
	assert.NoError(t, err)
}
