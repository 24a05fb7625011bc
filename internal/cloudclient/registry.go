// Package cloudclient creates cloud.Client backends by type.
package cloudclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/systmms/camcreds/pkg/cloud"
)

// Factory creates a client from backend-specific settings.
type Factory func(ctx context.Context, settings map[string]interface{}) (cloud.Client, error)

// Registry maps backend types to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.RegisterFactory("mock", NewMockClientFactory)
	return r
}

// RegisterFactory registers a factory for a type. A later registration
// replaces an earlier one.
func (r *Registry) RegisterFactory(clientType string, f Factory) {
	r.factories[clientType] = f
}

// Create builds a client of clientType. A positive timeout bounds every
// call.
func (r *Registry) Create(ctx context.Context, clientType string, settings map[string]interface{}, timeout time.Duration) (cloud.Client, error) {
	f, ok := r.factories[clientType]
	if !ok {
		return nil, fmt.Errorf("unknown cloud client type: %s (supported: %s)", clientType, strings.Join(r.SupportedTypes(), ", "))
	}
	c, err := f(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cloud client: %w", clientType, err)
	}
	if timeout > 0 {
		c = WithTimeout(c, timeout)
	}
	return c, nil
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

// timeoutClient bounds every call of the wrapped client.
type timeoutClient struct {
	next    cloud.Client
	timeout time.Duration
}

// WithTimeout wraps c so each call runs under its own deadline. A call
// that runs out of time reports a *cloud.ConnectivityError.
func WithTimeout(c cloud.Client, d time.Duration) cloud.Client {
	return &timeoutClient{next: c, timeout: d}
}

func (t *timeoutClient) bound(ctx context.Context, op string, err error) error {
	if err != nil && ctx.Err() == context.DeadlineExceeded && !cloud.IsConnectivity(err) {
		return &cloud.ConnectivityError{Op: op, Err: ctx.Err()}
	}
	return err
}

func (t *timeoutClient) Login(ctx context.Context, req cloud.LoginRequest) (cloud.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	tok, err := t.next.Login(ctx, req)
	return tok, t.bound(ctx, "login", err)
}

func (t *timeoutClient) SubmitMFA(ctx context.Context, req cloud.LoginRequest, code string) (cloud.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	tok, err := t.next.SubmitMFA(ctx, req, code)
	return tok, t.bound(ctx, "submit_mfa", err)
}

func (t *timeoutClient) FetchSecret(ctx context.Context, req cloud.FetchRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.next.FetchSecret(ctx, req)
	return v, t.bound(ctx, "fetch_secret", err)
}

func (t *timeoutClient) RefreshSession(ctx context.Context, token cloud.Token) (cloud.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	tok, err := t.next.RefreshSession(ctx, token)
	return tok, t.bound(ctx, "refresh_session", err)
}
