// Package cloud defines the contract camcreds consumes from the camera cloud
// service. The transport itself lives outside this module; backends are
// registered through internal/cloudclient.
//
// Every call that can be interposed by an out-of-band one-time code returns
// *MFARequiredError. Callers treat it as a control-flow signal, not a failure:
// they collect the code and call again with it.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/camcreds/pkg/device"
)

// Client is the cloud session client.
//
// Implementations must be safe for concurrent use. They never retry on their
// own; connectivity failures surface as *ConnectivityError so the host can
// decide.
type Client interface {
	// Login authenticates with account credentials. It returns
	// *MFARequiredError when the account demands a one-time code.
	Login(ctx context.Context, req LoginRequest) (Token, error)

	// SubmitMFA completes a login that returned *MFARequiredError.
	// A wrong code yields *MFARejectedError.
	SubmitMFA(ctx context.Context, req LoginRequest, code string) (Token, error)

	// FetchSecret returns the requested secret for a device. MFACode is
	// empty on the first attempt; the cloud may answer *MFARequiredError,
	// after which the call is repeated with the code the user received.
	FetchSecret(ctx context.Context, req FetchRequest) (string, error)

	// RefreshSession trades a refresh session id for fresh tokens.
	RefreshSession(ctx context.Context, token Token) (Token, error)
}

// LoginRequest carries account credentials. Password is never logged.
type LoginRequest struct {
	Account  string
	Password string
	APIURL   string
}

// Token is the durable session token set returned by the cloud.
type Token struct {
	SessionID        string
	RefreshSessionID string
	UserID           string
	APIURL           string
	ExpiresAt        time.Time
}

// FetchRequest identifies a per-device secret query.
type FetchRequest struct {
	Token    Token
	DeviceID string
	Kind     device.SecretKind
	MFACode  string
}

// Session is the account session persisted per configured cloud account.
type Session struct {
	Account          string    `yaml:"account" json:"account"`
	APIURL           string    `yaml:"api_url" json:"api_url"`
	SessionID        string    `yaml:"session_id" json:"session_id"`
	RefreshSessionID string    `yaml:"rf_session_id" json:"rf_session_id"`
	UserID           string    `yaml:"user_id" json:"user_id"`
	ExpiresAt        time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	MFAPending       bool      `yaml:"mfa_pending,omitempty" json:"mfa_pending,omitempty"`
}

// NewSession builds a session from a freshly issued token.
func NewSession(account string, t Token) Session {
	return Session{
		Account:          account,
		APIURL:           t.APIURL,
		SessionID:        t.SessionID,
		RefreshSessionID: t.RefreshSessionID,
		UserID:           t.UserID,
		ExpiresAt:        t.ExpiresAt,
	}
}

// Token returns the token set the session was built from.
func (s Session) Token() Token {
	return Token{
		SessionID:        s.SessionID,
		RefreshSessionID: s.RefreshSessionID,
		UserID:           s.UserID,
		APIURL:           s.APIURL,
		ExpiresAt:        s.ExpiresAt,
	}
}

// Expired reports whether the session is past its expiry. A zero expiry
// never expires locally; the cloud decides.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Rotated reports whether t carries tokens different from the session's.
func (s Session) Rotated(t Token) bool {
	return (t.SessionID != "" && t.SessionID != s.SessionID) ||
		(t.RefreshSessionID != "" && t.RefreshSessionID != s.RefreshSessionID)
}

// MFARequiredError signals that a one-time code was dispatched out of band
// and the call must be repeated with it.
type MFARequiredError struct {
	Purpose string // "login" or the secret kind being fetched
}

func (e *MFARequiredError) Error() string {
	if e.Purpose == "" {
		return "verification code required"
	}
	return fmt.Sprintf("verification code required for %s", e.Purpose)
}

// MFARejectedError reports a wrong or expired one-time code.
type MFARejectedError struct {
	Message string
}

func (e *MFARejectedError) Error() string {
	if e.Message == "" {
		return "verification code rejected"
	}
	return "verification code rejected: " + e.Message
}

// AuthError reports rejected account credentials or, with Expired set, a
// session the cloud no longer accepts.
type AuthError struct {
	Message string
	Expired bool
}

func (e *AuthError) Error() string {
	if e.Expired {
		return "session expired: " + e.Message
	}
	return "authentication failed: " + e.Message
}

// ConnectivityError wraps transport failures.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cloud %s: cannot connect: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// DeviceError reports a device-side refusal, for example a camera that
// does not belong to the account.
type DeviceError struct {
	DeviceID string
	Message  string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Message)
}

// IsMFARequired reports whether err asks for a one-time code.
func IsMFARequired(err error) bool {
	var target *MFARequiredError
	return errors.As(err, &target)
}

// IsMFARejected reports whether err rejects a one-time code.
func IsMFARejected(err error) bool {
	var target *MFARejectedError
	return errors.As(err, &target)
}

// IsSessionExpired reports whether err says the session must be refreshed.
func IsSessionExpired(err error) bool {
	var target *AuthError
	return errors.As(err, &target) && target.Expired
}

// IsInvalidCredentials reports whether err rejects the account credentials.
func IsInvalidCredentials(err error) bool {
	var target *AuthError
	return errors.As(err, &target) && !target.Expired
}

// IsConnectivity reports whether err is a transport failure, including a
// caller deadline.
func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target) || errors.Is(err, context.DeadlineExceeded)
}
