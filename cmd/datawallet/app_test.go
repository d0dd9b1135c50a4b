package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/config"
)

const testOwner = "0x1111111111111111111111111111111111111111"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromFile("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Content.LocalPath = filepath.Join(dir, "content")
	cfg.Content.StagingPath = filepath.Join(dir, "staging")
	cfg.Authorization.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Ledger.SimulatedDelay = 0
	cfg.Owners = []config.OwnerConfig{{Identity: testOwner, Email: "owner@example.com"}}
	return cfg
}

func TestBuildAppWithDefaults(t *testing.T) {
	cfg := testConfig(t)

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.service)
	registered, err := a.ledger.IsRegistered(context.Background(), testOwner)
	require.NoError(t, err)
	assert.True(t, registered)

	source, err := a.mailSource()
	require.NoError(t, err)
	assert.Nil(t, source)
}

func TestBuildAppRejectsUnknownChoices(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"authorization store", func(c *config.Config) { c.Authorization.Store = "etcd" }},
		{"authorization scheme", func(c *config.Config) { c.Authorization.Scheme = "hmac" }},
		{"content backend", func(c *config.Config) { c.Content.Backend = "s3" }},
		{"validation policy", func(c *config.Config) { c.Validation.Policy = "lenient" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := buildApp(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestMailSourceFollowsAccountType(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mail.Enabled = true
	cfg.Mail.Type = "pop3s"
	cfg.Mail.Host = "pop.example.com"

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	source, err := a.mailSource()
	require.NoError(t, err)
	require.NotNil(t, source)
	assert.Contains(t, source.Name(), "pop3")
}

func TestMetricsPath(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, "/metrics", metricsPath(cfg))
	cfg.Metrics.Enabled = false
	assert.Empty(t, metricsPath(cfg))
}
