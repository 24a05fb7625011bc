package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

// FakeCloud is a manual fake of cloud.Client.
//
// It keeps accounts, device secrets and issued tokens in memory and can be
// told to demand one-time codes, expire sessions or fail specific calls.
//
// Example usage:
//
//	fake := fakes.NewFakeCloud().
//	    WithAccount("user@example.com", "hunter2").
//	    WithLoginMFA("123456").
//	    WithSecret("C123", device.VerificationCode, "ABCDEF")
//
//	token, err := fake.Login(ctx, cloud.LoginRequest{Account: "user@example.com", Password: "hunter2"})
//	// err is *cloud.MFARequiredError until SubmitMFA is called
type FakeCloud struct {
	accounts  map[string]string
	loginCode string
	fetchCode map[string]string // device -> code required before fetching
	secrets   map[string]map[device.SecretKind]string
	failOn    map[string]error // method -> error
	panicOn   map[string]any   // method -> value, next call only
	delay     time.Duration
	ttl       time.Duration
	now       func() time.Time

	sessions  map[string]bool // valid session ids
	refreshes map[string]bool // valid refresh ids
	issued    int
	calls     map[string]int

	mu sync.Mutex
}

// NewFakeCloud creates a fake with no accounts.
func NewFakeCloud() *FakeCloud {
	return &FakeCloud{
		accounts:  make(map[string]string),
		fetchCode: make(map[string]string),
		secrets:   make(map[string]map[device.SecretKind]string),
		failOn:    make(map[string]error),
		panicOn:   make(map[string]any),
		sessions:  make(map[string]bool),
		refreshes: make(map[string]bool),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// WithAccount registers account credentials.
func (f *FakeCloud) WithAccount(account, password string) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account] = password
	return f
}

// WithLoginMFA makes Login demand code before issuing a token.
func (f *FakeCloud) WithLoginMFA(code string) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCode = code
	return f
}

// WithFetchMFA makes FetchSecret for deviceID demand code.
func (f *FakeCloud) WithFetchMFA(deviceID, code string) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCode[deviceID] = code
	return f
}

// WithSecret stores a device secret served by FetchSecret.
func (f *FakeCloud) WithSecret(deviceID string, kind device.SecretKind, value string) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secrets[deviceID] == nil {
		f.secrets[deviceID] = make(map[device.SecretKind]string)
	}
	f.secrets[deviceID][kind] = value
	return f
}

// WithError makes every call to method ("Login", "SubmitMFA",
// "FetchSecret", "RefreshSession") fail with err until cleared with nil.
func (f *FakeCloud) WithError(method string, err error) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOn, method)
	} else {
		f.failOn[method] = err
	}
	return f
}

// WithPanic makes the next call to method panic with v.
func (f *FakeCloud) WithPanic(method string, v any) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicOn[method] = v
	return f
}

// WithDelay adds latency to every call.
func (f *FakeCloud) WithDelay(d time.Duration) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// WithTTL sets the expiry of issued tokens. Zero means no expiry.
func (f *FakeCloud) WithTTL(ttl time.Duration, now func() time.Time) *FakeCloud {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = ttl
	if now != nil {
		f.now = now
	}
	return f
}

// ExpireSessions invalidates every issued session id. Refresh ids stay
// valid.
func (f *FakeCloud) ExpireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]bool)
}

// RevokeRefresh invalidates every refresh id.
func (f *FakeCloud) RevokeRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = make(map[string]bool)
}

// Calls returns how often method was invoked.
func (f *FakeCloud) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SeedToken registers a token as if it had been issued earlier.
func (f *FakeCloud) SeedToken(t cloud.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.SessionID != "" {
		f.sessions[t.SessionID] = true
	}
	if t.RefreshSessionID != "" {
		f.refreshes[t.RefreshSessionID] = true
	}
}

func (f *FakeCloud) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &cloud.ConnectivityError{Op: method, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.panicOn[method]; ok {
		delete(f.panicOn, method)
		panic(v)
	}
	return f.failOn[method]
}

// issue must be called with f.mu held.
func (f *FakeCloud) issue(apiURL string) cloud.Token {
	f.issued++
	t := cloud.Token{
		SessionID:        fmt.Sprintf("sess-%d", f.issued),
		RefreshSessionID: fmt.Sprintf("rf-%d", f.issued),
		UserID:           "user-1",
		APIURL:           apiURL,
	}
	if f.ttl > 0 {
		t.ExpiresAt = f.now().Add(f.ttl)
	}
	f.sessions[t.SessionID] = true
	f.refreshes[t.RefreshSessionID] = true
	return t
}

func (f *FakeCloud) checkPassword(req cloud.LoginRequest) error {
	want, ok := f.accounts[req.Account]
	if !ok || want != req.Password {
		return &cloud.AuthError{Message: "incorrect username or password"}
	}
	return nil
}

func (f *FakeCloud) Login(ctx context.Context, req cloud.LoginRequest) (cloud.Token, error) {
	if err := f.enter(ctx, "Login"); err != nil {
		return cloud.Token{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPassword(req); err != nil {
		return cloud.Token{}, err
	}
	if f.loginCode != "" {
		return cloud.Token{}, &cloud.MFARequiredError{Purpose: "login"}
	}
	return f.issue(req.APIURL), nil
}

func (f *FakeCloud) SubmitMFA(ctx context.Context, req cloud.LoginRequest, code string) (cloud.Token, error) {
	if err := f.enter(ctx, "SubmitMFA"); err != nil {
		return cloud.Token{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPassword(req); err != nil {
		return cloud.Token{}, err
	}
	if f.loginCode != "" && code != f.loginCode {
		return cloud.Token{}, &cloud.MFARejectedError{Message: "incorrect code"}
	}
	return f.issue(req.APIURL), nil
}

func (f *FakeCloud) FetchSecret(ctx context.Context, req cloud.FetchRequest) (string, error) {
	if err := f.enter(ctx, "FetchSecret"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[req.Token.SessionID] {
		return "", &cloud.AuthError{Message: "session " + req.Token.SessionID + " is no longer valid", Expired: true}
	}
	if want, ok := f.fetchCode[req.DeviceID]; ok {
		if req.MFACode == "" {
			return "", &cloud.MFARequiredError{Purpose: req.Kind.String()}
		}
		if req.MFACode != want {
			return "", &cloud.MFARejectedError{Message: "incorrect code"}
		}
	}
	v, ok := f.secrets[req.DeviceID][req.Kind]
	if !ok {
		return "", &cloud.DeviceError{DeviceID: req.DeviceID, Message: "device not found in account"}
	}
	return v, nil
}

func (f *FakeCloud) RefreshSession(ctx context.Context, token cloud.Token) (cloud.Token, error) {
	if err := f.enter(ctx, "RefreshSession"); err != nil {
		return cloud.Token{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.refreshes[token.RefreshSessionID] {
		return cloud.Token{}, &cloud.AuthError{Message: "refresh session rejected", Expired: true}
	}
	delete(f.refreshes, token.RefreshSessionID)
	return f.issue(token.APIURL), nil
}
