package client

import (
	"errors"
	"fmt"

	"msgrlink/auth"
	"msgrlink/errs"
)

var (
	// ErrUnknownAction is returned by Do for names missing from the registry.
	ErrUnknownAction = errors.New("client: unknown action")

	// ErrNoCredentials is returned when Login has neither a session nor a username/password.
	ErrNoCredentials = fmt.Errorf("client: no session or credentials: %w", errs.ErrAuthentication)

	// ErrStopped is returned by calls made after Stop.
	ErrStopped = errors.New("client: handle stopped")

	// ErrBootstrap is returned when the bootstrap page cannot be fetched or parsed.
	ErrBootstrap = fmt.Errorf("client: bootstrap: %w", errs.ErrProtocol)

	// ErrCheckpoint is returned when the bootstrap page is an account checkpoint.
	ErrCheckpoint = fmt.Errorf("client: checkpoint detected: %w", errs.ErrSafetyAlert)

	// ErrBadArgs is returned by registry actions for malformed arguments.
	ErrBadArgs = errors.New("client: bad action arguments")
)

// LoginError is returned by Login when no usable session could be obtained. Result holds
// the authenticator outcome when a credential attempt was made.
type LoginError struct {
	Stage  string
	Result auth.Result
	Err    error
}

func (e *LoginError) Error() string {
	if e.Result.Message != "" {
		return fmt.Sprintf("login (%s): %s: %v", e.Stage, e.Result.Message, e.Err)
	}
	return fmt.Sprintf("login (%s): %v", e.Stage, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }
