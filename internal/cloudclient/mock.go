package cloudclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
	"gopkg.in/yaml.v3"
)

const (
	mockSessionPrefix = "mock-s-"
	mockRefreshPrefix = "mock-r-"
)

// MockSettings scripts the mock backend:
//
//	cloud:
//	  type: mock
//	  accounts: {me@example.com: hunter2}
//	  login_code: "123456"
//	  session_ttl: 1h
//	  devices:
//	    C123:
//	      verification_code: ABCDEF
//	      encryption_key: XYZXYZ
//	      fetch_code: "654321"
type MockSettings struct {
	Accounts    map[string]string     `yaml:"accounts"`
	LoginCode   string                `yaml:"login_code"`
	SessionTTL  string                `yaml:"session_ttl"`
	Unreachable bool                  `yaml:"unreachable"`
	Devices     map[string]MockDevice `yaml:"devices"`
}

// MockDevice holds the secrets the mock serves for one device.
type MockDevice struct {
	VerificationCode string `yaml:"verification_code"`
	EncryptionKey    string `yaml:"encryption_key"`
	FetchCode        string `yaml:"fetch_code"`
}

// MockClient is a scripted cloud.Client for demos and end-to-end tests.
// Its tokens carry no server state: any token it issued stays valid until
// its expiry, so it works across separate CLI invocations.
type MockClient struct {
	settings MockSettings
	ttl      time.Duration
	now      func() time.Time
}

// NewMockClient creates a mock from settings.
func NewMockClient(s MockSettings) (*MockClient, error) {
	c := &MockClient{settings: s, now: time.Now}
	if s.SessionTTL != "" {
		ttl, err := time.ParseDuration(s.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid session_ttl: %w", err)
		}
		c.ttl = ttl
	}
	return c, nil
}

// NewMockClientFactory decodes the cloud settings into MockSettings.
func NewMockClientFactory(_ context.Context, settings map[string]interface{}) (cloud.Client, error) {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return nil, err
	}
	var s MockSettings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid mock settings: %w", err)
	}
	return NewMockClient(s)
}

func (c *MockClient) reach(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &cloud.ConnectivityError{Op: op, Err: err}
	}
	if c.settings.Unreachable {
		return &cloud.ConnectivityError{Op: op, Err: errors.New("host unreachable")}
	}
	return nil
}

func (c *MockClient) issue(apiURL string) cloud.Token {
	t := cloud.Token{
		SessionID:        mockSessionPrefix + uuid.NewString(),
		RefreshSessionID: mockRefreshPrefix + uuid.NewString(),
		UserID:           "mock-user",
		APIURL:           apiURL,
	}
	if c.ttl > 0 {
		t.ExpiresAt = c.now().Add(c.ttl)
	}
	return t
}

func (c *MockClient) checkPassword(req cloud.LoginRequest) error {
	want, ok := c.settings.Accounts[req.Account]
	if !ok || want != req.Password {
		return &cloud.AuthError{Message: "incorrect username or password"}
	}
	return nil
}

func (c *MockClient) Login(ctx context.Context, req cloud.LoginRequest) (cloud.Token, error) {
	if err := c.reach(ctx, "login"); err != nil {
		return cloud.Token{}, err
	}
	if err := c.checkPassword(req); err != nil {
		return cloud.Token{}, err
	}
	if c.settings.LoginCode != "" {
		return cloud.Token{}, &cloud.MFARequiredError{Purpose: "login"}
	}
	return c.issue(req.APIURL), nil
}

func (c *MockClient) SubmitMFA(ctx context.Context, req cloud.LoginRequest, code string) (cloud.Token, error) {
	if err := c.reach(ctx, "submit_mfa"); err != nil {
		return cloud.Token{}, err
	}
	if err := c.checkPassword(req); err != nil {
		return cloud.Token{}, err
	}
	if c.settings.LoginCode != "" && code != c.settings.LoginCode {
		return cloud.Token{}, &cloud.MFARejectedError{Message: "incorrect code"}
	}
	return c.issue(req.APIURL), nil
}

func (c *MockClient) FetchSecret(ctx context.Context, req cloud.FetchRequest) (string, error) {
	if err := c.reach(ctx, "fetch_secret"); err != nil {
		return "", err
	}
	if !strings.HasPrefix(req.Token.SessionID, mockSessionPrefix) {
		return "", &cloud.AuthError{Message: "unknown session", Expired: true}
	}
	if !req.Token.ExpiresAt.IsZero() && !c.now().Before(req.Token.ExpiresAt) {
		return "", &cloud.AuthError{Message: "session timed out", Expired: true}
	}
	d, ok := c.settings.Devices[req.DeviceID]
	if !ok {
		return "", &cloud.DeviceError{DeviceID: req.DeviceID, Message: "device not found in account"}
	}
	if d.FetchCode != "" {
		if req.MFACode == "" {
			return "", &cloud.MFARequiredError{Purpose: req.Kind.String()}
		}
		if req.MFACode != d.FetchCode {
			return "", &cloud.MFARejectedError{Message: "incorrect code"}
		}
	}
	v := d.VerificationCode
	if req.Kind == device.EncryptionKey {
		v = d.EncryptionKey
	}
	if v == "" {
		return "", &cloud.DeviceError{DeviceID: req.DeviceID, Message: fmt.Sprintf("no %s on record", req.Kind)}
	}
	return v, nil
}

func (c *MockClient) RefreshSession(ctx context.Context, token cloud.Token) (cloud.Token, error) {
	if err := c.reach(ctx, "refresh_session"); err != nil {
		return cloud.Token{}, err
	}
	if !strings.HasPrefix(token.RefreshSessionID, mockRefreshPrefix) {
		return cloud.Token{}, &cloud.AuthError{Message: "refresh session rejected", Expired: true}
	}
	return c.issue(token.APIURL), nil
}
