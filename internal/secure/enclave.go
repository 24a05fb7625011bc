package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is revealed.
var ErrDestroyed = errors.New("secure buffer destroyed")

// SecureBuffer provides memory-safe storage for sensitive data.
// It wraps memguard.Enclave to encrypt secrets at rest in memory
// and protect them from swapping via mlock.
type SecureBuffer struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewSecureBuffer creates a protected buffer from secret bytes.
// memguard wipes data after sealing it; callers that still need the
// plaintext must pass a copy.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	return &SecureBuffer{enclave: memguard.NewEnclave(data)}, nil
}

// NewString seals a string. An empty string yields an empty buffer.
func NewString(s string) *SecureBuffer {
	buf, _ := NewSecureBuffer([]byte(s))
	return buf
}

// Open decrypts and returns the protected data in a locked buffer.
// The caller MUST call Destroy() on the returned LockedBuffer when done.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	if s.enclave == nil {
		// memguard returns a nil enclave for empty input
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	return s.enclave.Open()
}

// Reveal decrypts the buffer into an ordinary string for a single call.
func (s *SecureBuffer) Reveal() (string, error) {
	if s == nil || s.Destroyed() {
		return "", ErrDestroyed
	}
	locked, err := s.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()
	return string(locked.Bytes()), nil
}

// Destroyed reports whether Destroy has been called.
func (s *SecureBuffer) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

// Destroy marks this SecureBuffer as destroyed and prevents further use.
// It is idempotent. For complete cleanup at exit, call memguard.Purge()
// in main().
func (s *SecureBuffer) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
