package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("WALLET_PRIVATE_KEYS", "")
	t.Setenv("CATALOG_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, DefaultNetworksFile, cfg.NetworksFile)
	assert.Equal(t, PolicyAbort, cfg.CatalogPolicy)
	assert.Equal(t, DefaultReadRetryAttempts, cfg.ReadRetryAttempts)
	assert.Empty(t, cfg.PrivateKeys)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WALLET_PRIVATE_KEYS", testKey+", 0x"+testKey)
	t.Setenv("CATALOG_POLICY", "isolate")
	t.Setenv("CONFIRMATION_TIMEOUT", "30s")
	t.Setenv("READ_RETRY_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Len(t, cfg.PrivateKeys, 2)
	assert.Equal(t, PolicyIsolate, cfg.CatalogPolicy)
	assert.Equal(t, 30*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, 5, cfg.ReadRetryAttempts)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("METADATA_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMetadataTimeout, cfg.MetadataTimeout)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			RPCURL:                   DefaultRPCURL,
			NetworksFile:             "config.json",
			CatalogPolicy:            PolicyAbort,
			ReadRetryAttempts:        3,
			ConfirmationPollInterval: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "valid with keys", mutate: func(c *Config) { c.PrivateKeys = []string{testKey, "0x" + testKey} }},
		{name: "missing RPC URL", mutate: func(c *Config) { c.RPCURL = "" }, wantErr: "RPC_URL is required"},
		{name: "missing networks file", mutate: func(c *Config) { c.NetworksFile = "" }, wantErr: "NETWORKS_FILE is required"},
		{name: "short key", mutate: func(c *Config) { c.PrivateKeys = []string{"abc123"} }, wantErr: "64 hex characters"},
		{name: "bad policy", mutate: func(c *Config) { c.CatalogPolicy = "partial" }, wantErr: "CATALOG_POLICY"},
		{name: "zero attempts", mutate: func(c *Config) { c.ReadRetryAttempts = 0 }, wantErr: "READ_RETRY_ATTEMPTS"},
		{name: "zero poll interval", mutate: func(c *Config) { c.ConfirmationPollInterval = 0 }, wantErr: "CONFIRMATION_POLL_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.False(t, (&Config{Env: "production"}).IsDevelopment())
}
