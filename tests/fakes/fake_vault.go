package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/systmms/camcreds/internal/vault"
)

// FakeVault is an in-memory vault.Vault.
type FakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
	failOn  map[string]error
	puts    int
}

// NewFakeVault creates an empty vault.
func NewFakeVault() *FakeVault {
	return &FakeVault{secrets: make(map[string]string), failOn: make(map[string]error)}
}

// WithError makes every call for key fail with err.
func (f *FakeVault) WithError(key string, err error) *FakeVault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[key] = err
	return f
}

// Keys returns a copy of the stored key/value pairs.
func (f *FakeVault) Keys() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.secrets))
	for k, v := range f.secrets {
		out[k] = v
	}
	return out
}

// Puts counts successful Put calls.
func (f *FakeVault) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *FakeVault) Name() string { return "fake" }

func (f *FakeVault) Put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[key]; err != nil {
		return err
	}
	f.secrets[key] = value
	f.puts++
	return nil
}

func (f *FakeVault) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[key]; err != nil {
		return "", err
	}
	v, ok := f.secrets[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, vault.ErrNotFound)
	}
	return v, nil
}

func (f *FakeVault) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[key]; err != nil {
		return err
	}
	delete(f.secrets, key)
	return nil
}
