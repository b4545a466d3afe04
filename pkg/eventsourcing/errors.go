package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when an aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when there's an optimistic concurrency conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrInvalidVersion is returned when event versions are not contiguous with the stream.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrNoHandler is returned by a strict router when no handler matches a message.
	ErrNoHandler = errors.New("no handler registered for message")

	// ErrCommandNotFound is returned when a command handler is not registered.
	ErrCommandNotFound = errors.New("command handler not found")

	// ErrQueryNotFound is returned when a query handler is not registered.
	ErrQueryNotFound = errors.New("query handler not found")

	// ErrInvalidCommand is returned when a command is structurally invalid.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidQuery is returned when a query is structurally invalid.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrDuplicateRegistration is returned when a component is registered twice
	// for the same message type.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrUnknownPayloadType is returned when a payload type tag has no registered decoder.
	ErrUnknownPayloadType = errors.New("unknown payload type")

	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrTransportClosed is returned when publishing to a closed event transport.
	ErrTransportClosed = errors.New("event transport closed")

	// ErrSubscriptionClosed is returned when reading from a closed subscription.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// DomainError marks a business-rule rejection raised by a command handler.
// The aggregate is discarded uncommitted and the error surfaces to the
// dispatcher unchanged.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDomainError creates a domain error with a stable code and a human message.
func NewDomainError(code, message string) error {
	return &DomainError{Code: code, Message: message}
}

// IsDomainError reports whether err is (or wraps) a business-rule rejection.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
