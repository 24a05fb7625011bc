// Package vault keeps device secrets outside the settings store.
//
// When a vault is configured, the store records only a reference for each
// resolved secret and the value itself lives in the OS keyring or a cloud
// secret manager. Backends are created by type through a Registry.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("secret not found in vault")

// Vault stores string secrets under flat keys.
type Vault interface {
	Name() string
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Error wraps a backend failure with the operation and key.
type Error struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s vault %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Backend: backend, Op: op, Key: key, Err: err}
}

// Factory creates a vault from adapter-specific settings.
type Factory func(ctx context.Context, settings map[string]interface{}) (Vault, error)

// Registry maps backend types to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.RegisterFactory("keyring", NewKeyringVaultFactory)
	r.RegisterFactory("aws", NewAWSVaultFactory)
	r.RegisterFactory("gcp", NewGCPVaultFactory)
	r.RegisterFactory("azure", NewAzureVaultFactory)
	return r
}

// RegisterFactory registers a factory for a type.
func (r *Registry) RegisterFactory(vaultType string, f Factory) {
	r.factories[vaultType] = f
}

// Create builds a vault. The "inline" type, or an empty one, means secrets
// stay in the store and Create returns nil.
func (r *Registry) Create(ctx context.Context, vaultType string, settings map[string]interface{}) (Vault, error) {
	if vaultType == "" || vaultType == "inline" {
		return nil, nil
	}
	f, ok := r.factories[vaultType]
	if !ok {
		return nil, fmt.Errorf("unknown vault type: %s (supported: %s)", vaultType, strings.Join(r.SupportedTypes(), ", "))
	}
	return f(ctx, settings)
}

// SupportedTypes lists registered types in sorted order.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func stringSetting(settings map[string]interface{}, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// SanitizeKey replaces every character outside [A-Za-z0-9] and sep with sep.
func SanitizeKey(key string, sep rune) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == sep:
			return r
		}
		return sep
	}, key)
}
