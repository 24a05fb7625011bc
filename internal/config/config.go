package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dserrors "github.com/systmms/camcreds/internal/errors"
	"github.com/systmms/camcreds/internal/logging"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor CAMCREDS_CONFIG is set.
const DefaultPath = "camcreds.yaml"

// Region API hosts.
const (
	RegionEU     = "eu"
	RegionRU     = "ru"
	RegionCustom = "custom"

	HostEU = "apiieu.ezvizlife.com"
	HostRU = "apirus.ezvizru.com"
)

const (
	defaultAccountTimeout  = 25 * time.Second
	defaultValidateTimeout = 5 * time.Second
	defaultMFARetries      = 1
	defaultSettingsFile    = "camcreds-settings.yaml"
)

//go:embed schema.json
var schemaJSON string

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the camcreds.yaml structure
type Definition struct {
	Version  int            `yaml:"version"`
	Account  AccountConfig  `yaml:"account"`
	MFA      MFAConfig      `yaml:"mfa,omitempty"`
	Store    BackendConfig  `yaml:"store,omitempty"`
	Vault    BackendConfig  `yaml:"vault,omitempty"`
	Cloud    BackendConfig  `yaml:"cloud,omitempty"`
	Validate ValidateConfig `yaml:"validate,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
}

// AccountConfig identifies the cloud account. The password is never
// stored in configuration; it is prompted for or read from
// CAMCREDS_PASSWORD.
type AccountConfig struct {
	Username string `yaml:"username"`
	Region   string `yaml:"region,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty"` // seconds
}

// MFAConfig tunes the one-time code policy.
type MFAConfig struct {
	MaxRetries *int `yaml:"max_retries,omitempty"`
}

// BackendConfig selects an adapter by type; the remaining keys are
// adapter-specific.
type BackendConfig struct {
	Type      string                 `yaml:"type"`
	TimeoutMs int                    `yaml:"timeout_ms,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// ValidateConfig bounds the RTSP probe.
type ValidateConfig struct {
	TimeoutMs int `yaml:"timeout_ms,omitempty"`
}

// MetricsConfig toggles Prometheus counters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads, schema-checks and parses the camcreds.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create camcreds.yaml with at least 'account.username', or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if err := validateSchema(raw); err != nil {
		return err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid configuration structure",
			Suggestion: err.Error(),
		}
	}

	if def.Version != 0 {
		return dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your camcreds.yaml file",
		}
	}

	if _, err := ResolveAPIHost(def.Account.Region, def.Account.URL); err != nil {
		return err
	}

	c.Definition = &def
	c.applyDefaults()
	return nil
}

func validateSchema(raw map[string]interface{}) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return dserrors.ConfigError{
		Message:    "configuration does not match schema:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "Fix the listed fields in camcreds.yaml",
	}
}

func (c *Config) applyDefaults() {
	def := c.Definition
	if def.Account.Region == "" {
		def.Account.Region = RegionEU
	}
	if def.Store.Type == "" {
		def.Store.Type = "file"
	}
	if def.Store.Type == "file" && def.Store.String("path") == "" {
		if def.Store.Config == nil {
			def.Store.Config = map[string]interface{}{}
		}
		def.Store.Config["path"] = filepath.Join(filepath.Dir(c.Path), defaultSettingsFile)
	}
	if def.Vault.Type == "" {
		def.Vault.Type = "inline"
	}
	if def.Cloud.Type == "" {
		def.Cloud.Type = "mock"
	}
}

// ResolveAPIHost maps a region onto the cloud API host. A custom host is
// normalized by dropping the scheme and any trailing slash.
func ResolveAPIHost(region, customURL string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(region)) {
	case "", RegionEU:
		return HostEU, nil
	case RegionRU:
		return HostRU, nil
	case RegionCustom:
		host := NormalizeHost(customURL)
		if host == "" {
			return "", dserrors.ConfigError{
				Field:      "account.url",
				Message:    "custom region requires an API host",
				Suggestion: "Set account.url, e.g. apiieu.ezvizlife.com",
			}
		}
		return host, nil
	}
	return "", dserrors.ConfigError{
		Field:      "account.region",
		Value:      region,
		Message:    "unknown region",
		Suggestion: "Use eu, ru or custom",
	}
}

// NormalizeHost strips the scheme and trailing slashes from a host URL.
func NormalizeHost(u string) string {
	u = strings.TrimSpace(u)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return strings.TrimRight(u, "/")
}

func (c *Config) loaded() (*Definition, error) {
	if c.Definition == nil {
		return nil, dserrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}
	return c.Definition, nil
}

// APIHost returns the resolved API host for the configured region.
func (c *Config) APIHost() (string, error) {
	def, err := c.loaded()
	if err != nil {
		return "", err
	}
	return ResolveAPIHost(def.Account.Region, def.Account.URL)
}

// AccountTimeout returns the per-call cloud timeout.
func (c *Config) AccountTimeout() time.Duration {
	if c.Definition == nil || c.Definition.Account.Timeout <= 0 {
		return defaultAccountTimeout
	}
	return time.Duration(c.Definition.Account.Timeout) * time.Second
}

// MFARetries returns how many rejected codes are tolerated before the
// login must be restarted.
func (c *Config) MFARetries() int {
	if c.Definition == nil || c.Definition.MFA.MaxRetries == nil {
		return defaultMFARetries
	}
	return *c.Definition.MFA.MaxRetries
}

// ValidateTimeout returns the RTSP probe bound.
func (c *Config) ValidateTimeout() time.Duration {
	if c.Definition == nil || c.Definition.Validate.TimeoutMs <= 0 {
		return defaultValidateTimeout
	}
	return time.Duration(c.Definition.Validate.TimeoutMs) * time.Millisecond
}

// MetricsEnabled reports whether counters should be registered.
func (c *Config) MetricsEnabled() bool {
	return c.Definition != nil && c.Definition.Metrics.Enabled
}

// Timeout returns the backend call timeout, falling back to def.
func (b BackendConfig) Timeout(def time.Duration) time.Duration {
	if b.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// String reads an adapter-specific string field.
func (b BackendConfig) String(key string) string {
	if v, ok := b.Config[key].(string); ok {
		return v
	}
	return ""
}

// Int reads an adapter-specific integer field.
func (b BackendConfig) Int(key string) int {
	switch v := b.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Map reads an adapter-specific nested mapping.
func (b BackendConfig) Map(key string) map[string]interface{} {
	if v, ok := b.Config[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
