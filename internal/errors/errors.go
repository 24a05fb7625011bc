package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/flow"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// cloudSuggestion picks advice from the cloud error behind a failure
func cloudSuggestion(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case cloud.IsMFARequired(err):
		return "Enter the verification code sent to your phone or e-mail"
	case cloud.IsMFARejected(err):
		return "Request a new verification code and enter it exactly as received"
	case cloud.IsSessionExpired(err):
		return "Run 'camcreds refresh' or log in again"
	case cloud.IsInvalidCredentials(err):
		return "Check the account e-mail and password, then run 'camcreds login' again"
	case cloud.IsConnectivity(err):
		return "Check your network and the account region (eu, ru or a custom API host)"
	}

	var devErr *cloud.DeviceError
	if errors.As(err, &devErr) {
		return "Make sure the camera is bound to this account and online"
	}
	return ""
}

// reasonSuggestions tells the user what each failed step wants from them next
var reasonSuggestions = map[flow.Reason]string{
	flow.ReasonInvalidCredentials: "Restart with 'camcreds login'; the account credentials or code were refused",
	flow.ReasonMFARejected:        "Request a new verification code and pass it with --code",
	flow.ReasonSessionRequired:    "Log in first with 'camcreds login'",
	flow.ReasonSessionExpired:     "Your session expired and could not be refreshed. Run 'camcreds login'",
	flow.ReasonConnectivity:       "Check network connectivity and try again",
	flow.ReasonFetchInProgress:    "A fetch for this device is still running. Wait for it to finish, or answer its code prompt with an empty line to cancel it",
	flow.ReasonAlreadyInProgress:  "Another login or refresh is running. Wait for it to finish",
	flow.ReasonNoPendingChallenge: "Nothing is waiting for a code. Start the login or fetch again",
	flow.ReasonDevice:             "Make sure the camera is bound to this account and online",
	flow.ReasonInvalidInput:       "Check the command arguments",
}

// FromResult converts a failed step into a UserError. It returns nil for
// successful or pending steps.
func FromResult(step string, res flow.Result) error {
	if res.Failure == nil {
		return nil
	}
	f := res.Failure
	suggestion := reasonSuggestions[f.Reason]
	if s := cloudSuggestion(f.Err); s != "" {
		suggestion = s
	}
	if f.Reason == flow.ReasonValidationFailure {
		switch f.Cause {
		case flow.CauseAuth:
			suggestion = "The camera refused the credentials. Try the other secret kind or re-fetch it"
		case flow.CauseConnectivity:
			suggestion = "The camera did not answer on port 554. Check the IP address and wake the camera"
		}
	}
	details := ""
	if f.Err != nil {
		details = f.Err.Error()
	}
	return UserError{
		Message:    fmt.Sprintf("%s failed: %s", step, strings.ReplaceAll(string(f.Reason), "_", " ")),
		Details:    details,
		Suggestion: suggestion,
		Err:        f,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var failure *flow.Failure
	if errors.As(err, &failure) {
		return failure.Reason.Retryable()
	}
	if cloud.IsConnectivity(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	if _, ok := err.(UserError); ok {
		return err
	}
	if _, ok := err.(ConfigError); ok {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions of the settings store",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
