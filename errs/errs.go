// Package errs holds the error taxonomy shared by every msgrlink component.
//
// Component packages define their own sentinels and wrap one of these with %w, so callers can
// branch on the category with errors.Is regardless of which layer produced the error.
package errs

import "errors"

var (
	// ErrAuthentication is returned when credentials are rejected or two-factor fails.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSessionInvalid is returned when a stored session lacks essential cookies or is expired.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrTransport covers dial, read, and write failures on any network path.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is returned for responses that cannot be interpreted.
	ErrProtocol = errors.New("protocol error")

	// ErrSafetyAlert is returned when the platform signals a checkpoint or similar block.
	ErrSafetyAlert = errors.New("safety alert")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("timeout")
)

// Terminal reports whether err should end a login attempt instead of being retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSafetyAlert)
}
