package session

import (
	"errors"
	"fmt"

	"msgrlink/errs"
)

var (
	// ErrNotFound is returned by Store.Load when nothing has been saved yet.
	ErrNotFound = errors.New("session not found")

	// ErrCorrupt is returned by Store.Load when the stored payload cannot be parsed.
	ErrCorrupt = errors.New("session corrupt")

	// ErrInvalid is returned when essential cookies are missing or expired.
	ErrInvalid = fmt.Errorf("session: %w", errs.ErrSessionInvalid)

	// ErrConfig is returned for invalid store configuration.
	ErrConfig = errors.New("invalid session store config")
)

func corrupt(err error) error {
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}
