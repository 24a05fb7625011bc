package vault

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringClient abstracts the OS keyring so tests can run headless.
type KeyringClient interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
	Delete(service, user string) error
}

type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (systemKeyring) Set(service, user, password string) error { return keyring.Set(service, user, password) }
func (systemKeyring) Delete(service, user string) error { return keyring.Delete(service, user) }

// KeyringVault stores secrets in the OS keyring (macOS Keychain, Secret
// Service on Linux, Windows Credential Manager). Each key is an account
// under one service name.
type KeyringVault struct {
	service string
	client  KeyringClient
}

// NewKeyringVault creates a keyring vault for service.
func NewKeyringVault(service string, client KeyringClient) *KeyringVault {
	if client == nil {
		client = systemKeyring{}
	}
	if service == "" {
		service = "camcreds"
	}
	return &KeyringVault{service: service, client: client}
}

// NewKeyringVaultFactory reads "service" from settings.
func NewKeyringVaultFactory(_ context.Context, settings map[string]interface{}) (Vault, error) {
	return NewKeyringVault(stringSetting(settings, "service", "camcreds"), nil), nil
}

func (k *KeyringVault) Name() string { return "keyring" }

func (k *KeyringVault) Put(_ context.Context, key, value string) error {
	return wrap("keyring", "put", key, k.client.Set(k.service, key, value))
}

func (k *KeyringVault) Get(_ context.Context, key string) (string, error) {
	v, err := k.client.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", wrap("keyring", "get", key, ErrNotFound)
	}
	if err != nil {
		return "", wrap("keyring", "get", key, err)
	}
	return v, nil
}

func (k *KeyringVault) Delete(_ context.Context, key string) error {
	err := k.client.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return wrap("keyring", "delete", key, err)
}
