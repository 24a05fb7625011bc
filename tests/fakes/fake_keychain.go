package fakes

import (
	"sync"

	"github.com/zalando/go-keyring"
)

// FakeKeyringClient is an in-memory vault.KeyringClient.
type FakeKeyringClient struct {
	mu sync.Mutex

	// Secrets is a map of service -> user -> value
	Secrets map[string]map[string]string

	// Err is returned by every call if set
	Err error
}

// NewFakeKeyringClient creates an empty keyring.
func NewFakeKeyringClient() *FakeKeyringClient {
	return &FakeKeyringClient{Secrets: make(map[string]map[string]string)}
}

func (f *FakeKeyringClient) Get(service, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if v, ok := f.Secrets[service][user]; ok {
		return v, nil
	}
	return "", keyring.ErrNotFound
}

func (f *FakeKeyringClient) Set(service, user, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Secrets[service] == nil {
		f.Secrets[service] = make(map[string]string)
	}
	f.Secrets[service][user] = password
	return nil
}

func (f *FakeKeyringClient) Delete(service, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Secrets[service][user]; !ok {
		return keyring.ErrNotFound
	}
	delete(f.Secrets[service], user)
	return nil
}
