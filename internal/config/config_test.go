package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: wallet-test\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "wallet-test", cfg.App.Name)
	assert.Equal(t, 24*time.Hour, cfg.Authorization.Window)
	assert.Equal(t, int64(10), cfg.Cost.Base)
	assert.Equal(t, int64(5), cfg.Cost.PerMiB)
	assert.Equal(t, int64(2), cfg.Cost.PerAttachment)
	assert.Equal(t, "enforced", cfg.Validation.Policy)
	assert.True(t, cfg.Ledger.IsSimulated())
	assert.Equal(t, 4, cfg.Workers.Finalize)
	assert.Contains(t, cfg.Validation.AllowedTypes, "application/pdf")
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
}

func TestLoadFromFileReadsOwnersAndDurations(t *testing.T) {
	path := writeConfig(t, `
authorization:
  window: 2h
  sweep_interval: 15s
owners:
  - identity: "0xAbC0000000000000000000000000000000000001"
    email: alice@example.com
    allow_list:
      - assistant@example.com
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Owners, 1)
	assert.Equal(t, "alice@example.com", cfg.Owners[0].Email)
	assert.Equal(t, []string{"assistant@example.com"}, cfg.Owners[0].AllowList)
	assert.Equal(t, 2*time.Hour, cfg.Authorization.Window)
	assert.Equal(t, 15*time.Second, cfg.Authorization.SweepInterval)
}

func TestLoadFromFileEnvironmentOverride(t *testing.T) {
	t.Setenv("DATAWALLET_WORKERS_FINALIZE", "9")
	path := writeConfig(t, "workers:\n  finalize: 2\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers.Finalize)
}

func TestLoadFromFileMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateAccumulatesEveryProblem(t *testing.T) {
	path := writeConfig(t, `
validation:
  policy: sometimes
workers:
  finalize: 0
ledger:
  mode: real
content:
  backend: tape
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "validation.policy")
	assert.Contains(t, msg, "workers.finalize")
	assert.Contains(t, msg, "ledger.rpc_url")
	assert.Contains(t, msg, "content.backend")
}

func TestValidateRejectsAllowAllInProduction(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)

	cfg.App.Env = "production"
	cfg.Validation.Policy = "allow_all_for_testing"
	cfg.Authorization.Secret = "0123456789abcdef0123456789abcdef"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted in production")
}

func TestValidatorWarnsForTestingPolicy(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	cfg.Validation.Policy = "allow_all_for_testing"

	v := NewValidator(cfg)
	require.NoError(t, v.Validate())
	found := false
	for _, w := range v.Warnings() {
		if strings.Contains(w, "allow_all_for_testing") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateDuplicateOwnerEmail(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	cfg.Owners = []OwnerConfig{
		{Identity: "0x1", Email: "a@example.com"},
		{Identity: "0x2", Email: "A@example.com"},
	}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}
