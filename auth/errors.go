package auth

import (
	"errors"
	"fmt"

	"msgrlink/errs"
)

var (
	// ErrInvalidCredentials is returned when the platform rejects the username or password.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", errs.ErrAuthentication)

	// ErrTwoFactorRequired is returned when a challenge arrives and no code or secret was supplied.
	ErrTwoFactorRequired = fmt.Errorf("two-factor required: %w", errs.ErrAuthentication)

	// ErrInvalidTwoFactorSecret is returned when the TOTP secret cannot be decoded.
	ErrInvalidTwoFactorSecret = fmt.Errorf("invalid two-factor secret: %w", errs.ErrAuthentication)

	// ErrTwoFactorFailed is returned when the resubmitted two-factor form is rejected.
	ErrTwoFactorFailed = fmt.Errorf("two-factor verification failed: %w", errs.ErrAuthentication)

	// ErrNetwork is returned when the login endpoint cannot be reached.
	ErrNetwork = fmt.Errorf("login network error: %w", errs.ErrTransport)

	// ErrUnknownProtocol is returned for login responses that cannot be interpreted.
	ErrUnknownProtocol = fmt.Errorf("unrecognized login response: %w", errs.ErrProtocol)

	// ErrConfig is returned for invalid authenticator configuration.
	ErrConfig = errors.New("invalid auth config")
)

// ProtocolError carries the error object returned by the login endpoint.
type ProtocolError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string

	err error
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("login: status %d: %v", e.StatusCode, e.err)
	}
	return fmt.Sprintf("login: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.err }
