package outbound

import (
	"errors"
	"fmt"

	"msgrlink/errs"
)

var (
	// ErrQueueOverflow is passed to the callback of an entry dropped to make room.
	ErrQueueOverflow = errors.New("outbound: queue overflow")

	// ErrQueueExpired is passed to the callback of an entry evicted with an idle queue.
	ErrQueueExpired = errors.New("outbound: queue expired")

	// ErrClosed is returned by Enqueue after Close and passed to callbacks of unsent entries.
	ErrClosed = fmt.Errorf("outbound: dispatcher closed: %w", errs.ErrTransport)

	// ErrNoDestination is returned for an empty destination.
	ErrNoDestination = errors.New("outbound: empty destination")
)
