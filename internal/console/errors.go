package console

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeoutUnsupported is returned by Execute when a nonzero command
	// timeout is requested. Command timeouts are not implemented.
	ErrTimeoutUnsupported = fmt.Errorf("console: command timeout: %w", errors.ErrUnsupported)

	// ErrConnect wraps failures to dial or authenticate against the endpoint.
	ErrConnect = errors.New("console: connect failed")

	// ErrCommand wraps send/receive failures on an established connection.
	ErrCommand = errors.New("console: command failed")

	// ErrClosed is returned by Execute after Close.
	ErrClosed = errors.New("console: session closed")
)
