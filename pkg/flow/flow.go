// Package flow defines the step results handed to the setup wizard.
//
// Every authentication and credential step ends in exactly one of three
// outcomes: it succeeded (optionally with data), it needs further input from
// the user (and says which), or it failed for a named reason. Steps never
// panic or return bare errors across this boundary, because the wizard renders
// a different prompt per reason: re-show the code field after a rejected code,
// re-show the whole form after rejected credentials.
package flow

import (
	"errors"
	"fmt"

	"github.com/systmms/camcreds/pkg/device"
)

// Outcome is the top-level result of a step.
type Outcome int

const (
	Success Outcome = iota
	NeedsInput
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NeedsInput:
		return "needs_input"
	case Failed:
		return "failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Input names what the wizard must collect before the next step.
type Input string

const (
	InputNone      Input = ""
	InputLoginCode Input = "login_code"
	InputFetchCode Input = "fetch_code"
	InputPassword  Input = "password"
)

// Reason classifies a failure.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonMFARejected        Reason = "mfa_rejected"
	ReasonSessionRequired    Reason = "session_required"
	ReasonSessionExpired     Reason = "session_expired"
	ReasonConnectivity       Reason = "cannot_connect"
	ReasonFetchInProgress    Reason = "fetch_in_progress"
	ReasonAlreadyInProgress  Reason = "already_in_progress"
	ReasonValidationFailure  Reason = "validation_failed"
	ReasonNoPendingChallenge Reason = "no_pending_challenge"
	ReasonDevice             Reason = "device_exception"
	ReasonInvalidInput       Reason = "invalid_input"
	ReasonInternal           Reason = "unknown"
)

// Retryable reports whether the same step may simply be tried again.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonConnectivity, ReasonFetchInProgress, ReasonAlreadyInProgress,
		ReasonMFARejected, ReasonValidationFailure, ReasonSessionExpired:
		return true
	}
	return false
}

// Cause refines ReasonValidationFailure.
type Cause string

const (
	CauseNone         Cause = ""
	CauseConnectivity Cause = "connectivity"
	CauseAuth         Cause = "auth"
)

// Sentinel errors matched by Failure.Is, so callers holding a plain error
// can still branch with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMFARejected        = errors.New("verification code rejected")
	ErrSessionRequired    = errors.New("authenticated session required")
	ErrSessionExpired     = errors.New("session expired")
	ErrConnectivity       = errors.New("cannot connect")
	ErrFetchInProgress    = errors.New("fetch already in progress for device")
	ErrAlreadyInProgress  = errors.New("authentication already in progress")
	ErrValidation         = errors.New("rtsp validation failed")
	ErrNoPendingChallenge = errors.New("no verification code is pending")
)

var sentinels = map[Reason]error{
	ReasonInvalidCredentials: ErrInvalidCredentials,
	ReasonMFARejected:        ErrMFARejected,
	ReasonSessionRequired:    ErrSessionRequired,
	ReasonSessionExpired:     ErrSessionExpired,
	ReasonConnectivity:       ErrConnectivity,
	ReasonFetchInProgress:    ErrFetchInProgress,
	ReasonAlreadyInProgress:  ErrAlreadyInProgress,
	ReasonValidationFailure:  ErrValidation,
	ReasonNoPendingChallenge: ErrNoPendingChallenge,
}

// Failure is the error carried by a failed step.
type Failure struct {
	Reason Reason
	Cause  Cause
	Err    error
}

func (f *Failure) Error() string {
	msg := string(f.Reason)
	if f.Cause != CauseNone {
		msg += " (" + string(f.Cause) + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel for the failure's reason.
func (f *Failure) Is(target error) bool {
	s, ok := sentinels[f.Reason]
	return ok && s == target
}

// Challenge describes a pending one-time code request to the wizard.
type Challenge struct {
	ID       string
	Purpose  string
	DeviceID string
}

// Result is what every step returns.
type Result struct {
	Outcome   Outcome
	Input     Input
	Failure   *Failure
	Record    *device.Record
	Challenge *Challenge
}

// Ok returns a success with no data.
func Ok() Result {
	return Result{Outcome: Success}
}

// OkRecord returns a success carrying the stored record.
func OkRecord(r device.Record) Result {
	return Result{Outcome: Success, Record: &r}
}

// Need asks the wizard for further input.
func Need(input Input, ch *Challenge) Result {
	return Result{Outcome: NeedsInput, Input: input, Challenge: ch}
}

// Fail builds a failed result.
func Fail(reason Reason, err error) Result {
	return Result{Outcome: Failed, Failure: &Failure{Reason: reason, Err: err}}
}

// FailValidation builds a validation failure with its sub-reason.
func FailValidation(cause Cause, err error) Result {
	return Result{Outcome: Failed, Failure: &Failure{Reason: ReasonValidationFailure, Cause: cause, Err: err}}
}

// Succeeded reports a success outcome.
func (r Result) Succeeded() bool { return r.Outcome == Success }

// Err returns the failure as an error, or nil for other outcomes.
func (r Result) Err() error {
	if r.Outcome != Failed || r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Reason returns the failure reason, or "" when the step did not fail.
func (r Result) Reason() Reason {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Reason
}

// Guard converts a panic inside a step into a ReasonInternal failure so that
// nothing escapes the wizard boundary uncaught. Use as:
//
//	defer flow.Guard(&res)
func Guard(res *Result) {
	if p := recover(); p != nil {
		*res = Fail(ReasonInternal, fmt.Errorf("internal error: %v", p))
	}
}
