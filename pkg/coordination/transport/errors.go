package transport

import (
	"context"

	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
)

// Logical errors reported by the coordination service.
// They are terminal for the operation, never retried.
var (
	ErrNoNode     = errors.New("coordination: node does not exist")
	ErrNodeExists = errors.New("coordination: node already exists")
	ErrBadVersion = errors.New("coordination: version mismatch")
	ErrNotEmpty   = errors.New("coordination: node has children")
)

// Transient errors, governed by the retry policy.
var (
	ErrConnectionLoss = errors.New("coordination: connection loss")
)

// Session-terminal errors, they abort the operation regardless of the retry policy.
var (
	ErrSessionExpired = errors.New("coordination: session expired")
	ErrClosed         = errors.New("coordination: client closed")
)

// IsRetryable reports whether the failure is transient, so the operation
// may be submitted again once the connection recovers.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLoss) || errors.Is(err, context.DeadlineExceeded)
}

// IsSessionTerminal reports whether the failure ends the operation
// immediately, bypassing the retry policy.
func IsSessionTerminal(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClosed)
}
