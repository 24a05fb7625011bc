// Package testutil provides test utilities and helpers for camcreds tests.
//
// This package contains shared test infrastructure including configuration
// builders, logger helpers and Docker environment management.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/systmms/camcreds/internal/config"
	"gopkg.in/yaml.v3"
)

// TestConfigBuilder provides a fluent API for building test configurations.
//
// Example usage:
//
//	cfg := NewTestConfig(t).
//	    WithMockCloud(map[string]any{
//	        "accounts": map[string]string{"user@example.com": "hunter2"},
//	    }).
//	    WithStore("redis", map[string]any{"addr": env.RedisAddr()}).
//	    Load()
type TestConfigBuilder struct {
	config  *config.Definition
	tempDir string
	t       *testing.T
}

// NewTestConfig creates a builder with a minimal valid configuration: one
// account, a file store in a temporary directory and the mock cloud.
func NewTestConfig(t *testing.T) *TestConfigBuilder {
	t.Helper()

	tempDir := t.TempDir()
	return &TestConfigBuilder{
		config: &config.Definition{
			Account: config.AccountConfig{Username: "user@example.com"},
			Store: config.BackendConfig{
				Type:   "file",
				Config: map[string]interface{}{"path": filepath.Join(tempDir, "settings.yaml")},
			},
			Cloud: config.BackendConfig{Type: "mock", Config: map[string]interface{}{}},
		},
		tempDir: tempDir,
		t:       t,
	}
}

// WithAccount sets the account username and region.
func (b *TestConfigBuilder) WithAccount(username, region string) *TestConfigBuilder {
	b.config.Account.Username = username
	b.config.Account.Region = region
	return b
}

// WithMockCloud replaces the mock cloud settings.
func (b *TestConfigBuilder) WithMockCloud(settings map[string]any) *TestConfigBuilder {
	b.config.Cloud = config.BackendConfig{Type: "mock", Config: settings}
	return b
}

// WithStore selects the settings store.
func (b *TestConfigBuilder) WithStore(storeType string, cfg map[string]any) *TestConfigBuilder {
	b.config.Store = config.BackendConfig{Type: storeType, Config: cfg}
	return b
}

// WithVault selects the secret vault.
func (b *TestConfigBuilder) WithVault(vaultType string, cfg map[string]any) *TestConfigBuilder {
	b.config.Vault = config.BackendConfig{Type: vaultType, Config: cfg}
	return b
}

// WithMFARetries sets mfa.max_retries.
func (b *TestConfigBuilder) WithMFARetries(n int) *TestConfigBuilder {
	b.config.MFA.MaxRetries = &n
	return b
}

// Build returns the in-memory configuration.
func (b *TestConfigBuilder) Build() *config.Definition {
	return b.config
}

// Write writes the configuration to camcreds.yaml in the temporary
// directory and returns its path.
func (b *TestConfigBuilder) Write() string {
	b.t.Helper()

	path := filepath.Join(b.tempDir, "camcreds.yaml")
	data, err := yaml.Marshal(b.config)
	if err != nil {
		b.t.Fatalf("Failed to marshal test config: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		b.t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// Load writes the configuration and loads it back the way the CLI does.
func (b *TestConfigBuilder) Load() *config.Config {
	b.t.Helper()

	cfg := &config.Config{
		Path:           b.Write(),
		Logger:         NewTestLogger(b.t).Logger(),
		NonInteractive: true,
	}
	if err := cfg.Load(); err != nil {
		b.t.Fatalf("Failed to load test config: %v", err)
	}
	return cfg
}
