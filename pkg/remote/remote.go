// Package remote carries command and query dispatch across process
// boundaries. A Gateway executes transported envelopes against the local
// buses; transports move the envelopes over connect HTTP or NATS
// request/reply; the thin Client gives callers the same typed bus surface
// they have in process.
//
// Payloads travel as serialized JSON and are decoded through the payload
// registry on the gateway side, so client and gateway must register the
// same tags.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"connectrpc.com/connect"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Procedure names follow the connect convention. The NATS transport uses
// the same names in subject form, token for token.
const (
	// CommandServiceDispatchProcedure is the route for command dispatch.
	CommandServiceDispatchProcedure = "/cqrskit.v1.CommandService/Dispatch"

	// QueryServiceQueryProcedure is the route for query dispatch.
	QueryServiceQueryProcedure = "/cqrskit.v1.QueryService/Query"
)

// DispatchRequest is the wire form of a command dispatch. The payload is
// the registered command struct serialized through the registry; the
// envelope fields duplicate what the gateway needs for routing and
// validation without decoding.
type DispatchRequest struct {
	// CommandType is the registered payload tag of the command.
	CommandType string `json:"command_type"`

	// AggregateID names the targeted stream. When set, it must match the
	// aggregate id carried inside the payload.
	AggregateID string `json:"aggregate_id,omitempty"`

	// Payload is the command serialized under CommandType's codec.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey mirrors the key inside the payload. When set, it must
	// match what the decoded command reports.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CorrelationID groups this dispatch with the caller's operation. The
	// gateway seeds it into the execution context; a correlation carried
	// inside the payload wins.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DispatchResponse is the wire form of a successful command dispatch.
type DispatchResponse struct {
	// CommandID is the id of the processed command.
	CommandID string `json:"command_id"`

	// AlreadyProcessed reports that the command was a duplicate and the
	// recorded outcome was returned.
	AlreadyProcessed bool `json:"already_processed,omitempty"`

	// ProcessedAt is when the command was processed.
	ProcessedAt time.Time `json:"processed_at"`

	// Events are the committed events in commit order.
	Events []WireEvent `json:"events,omitempty"`
}

// QueryRequest is the wire form of a query dispatch.
type QueryRequest struct {
	// QueryType is the registered payload tag of the query.
	QueryType string `json:"query_type"`

	// Payload is the query serialized under QueryType's codec.
	Payload json.RawMessage `json:"payload"`

	// CorrelationID groups this query with the caller's operation.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// QueryResponse is the wire form of a projection's answer. Both sides
// agree on the view shape; the result is plain JSON, not a registered
// payload.
type QueryResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// WireEvent is the reduced form of a committed event in a dispatch
// response. Payloads travel as serialized data only; consumers decode
// through their payload registry when they need them.
type WireEvent struct {
	ID            string                      `json:"id"`
	AggregateID   string                      `json:"aggregate_id"`
	AggregateType string                      `json:"aggregate_type"`
	EventType     string                      `json:"event_type"`
	Version       int64                       `json:"version"`
	Timestamp     time.Time                   `json:"timestamp"`
	Data          []byte                      `json:"data,omitempty"`
	Metadata      eventsourcing.EventMetadata `json:"metadata"`
}

// Event converts the wire form back into an event. The payload stays nil.
func (e WireEvent) Event() *eventsourcing.Event {
	return &eventsourcing.Event{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Version:       e.Version,
		Timestamp:     e.Timestamp,
		Data:          e.Data,
		Metadata:      e.Metadata,
	}
}

func wireEventFrom(evt *eventsourcing.Event) WireEvent {
	return WireEvent{
		ID:            evt.ID,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     evt.EventType,
		Version:       evt.Version,
		Timestamp:     evt.Timestamp,
		Data:          evt.Data,
		Metadata:      evt.Metadata,
	}
}

// Transport carries dispatch envelopes to a remote gateway.
type Transport interface {
	// Dispatch sends a command envelope and waits for the outcome.
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error)

	// Query sends a query envelope and waits for the answer.
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)

	// Close releases the transport's resources.
	Close() error
}

// Error is the transported form of a gateway failure. Codes follow the
// connect code names so the HTTP and NATS transports classify alike.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Domain carries the code of a business-rule rejection. The client
	// rebuilds such failures as domain errors, so IsDomainError holds on
	// both sides of the wire.
	Domain string `json:"domain_code,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is maps transported codes back onto the sentinels callers react to, so
// errors.Is works across the wire.
func (e *Error) Is(target error) bool {
	switch target {
	case eventsourcing.ErrConcurrencyConflict:
		return e.Code == connect.CodeAborted.String()
	case eventsourcing.ErrAggregateNotFound:
		return e.Code == connect.CodeNotFound.String()
	case context.DeadlineExceeded:
		return e.Code == connect.CodeDeadlineExceeded.String()
	case context.Canceled:
		return e.Code == connect.CodeCanceled.String()
	}
	return false
}

// classify maps a gateway failure onto a transport-neutral code. Domain
// errors are classified as failed preconditions; the callers that need
// the domain code go through transportError instead.
func classify(err error) connect.Code {
	switch {
	case errors.Is(err, eventsourcing.ErrInvalidCommand),
		errors.Is(err, eventsourcing.ErrInvalidQuery),
		errors.Is(err, eventsourcing.ErrUnknownPayloadType):
		return connect.CodeInvalidArgument
	case errors.Is(err, eventsourcing.ErrCommandNotFound),
		errors.Is(err, eventsourcing.ErrQueryNotFound):
		return connect.CodeUnimplemented
	case errors.Is(err, eventsourcing.ErrAggregateNotFound):
		return connect.CodeNotFound
	case errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		return connect.CodeAborted
	case eventsourcing.IsDomainError(err):
		return connect.CodeFailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	default:
		return connect.CodeInternal
	}
}

// transportError reduces a gateway failure to its wire form.
func transportError(err error) *Error {
	var de *eventsourcing.DomainError
	if errors.As(err, &de) {
		return &Error{
			Code:    connect.CodeFailedPrecondition.String(),
			Message: de.Message,
			Domain:  de.Code,
		}
	}
	return &Error{Code: classify(err).String(), Message: err.Error()}
}

// restoreError turns a wire error back into the caller-facing form.
func restoreError(werr *Error) error {
	if werr == nil {
		return nil
	}
	if werr.Domain != "" {
		return eventsourcing.NewDomainError(werr.Domain, werr.Message)
	}
	return werr
}
