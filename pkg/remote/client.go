package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Client is the typed surface over a remote transport. Commands and
// queries are encoded through the payload registry under their registered
// tags, so the client and the gateway must share registrations.
//
// Client implements eventsourcing.CommandBus: code written against the
// bus runs unchanged whether the pipeline is in process or behind a
// gateway.
type Client struct {
	transport Transport
	registry  *eventsourcing.Registry
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport, registry *eventsourcing.Registry) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Client{transport: transport, registry: registry}, nil
}

// Dispatch encodes the command, sends it through the transport and
// rebuilds the result. Events in the result carry serialized data but no
// decoded payload; callers decode through their registry when they need
// them.
func (c *Client) Dispatch(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error) {
	if cmd == nil {
		return nil, eventsourcing.ErrInvalidCommand
	}

	tag, payload, err := c.registry.Encode(cmd)
	if err != nil {
		return nil, err
	}
	req := &DispatchRequest{
		CommandType:   tag,
		AggregateID:   cmd.AggregateID(),
		Payload:       payload,
		CorrelationID: correlationFrom(ctx, cmd),
	}
	if keyed, ok := cmd.(eventsourcing.IdempotencyKeyed); ok {
		req.IdempotencyKey = keyed.IdempotencyKey()
	}

	resp, err := c.transport.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &eventsourcing.CommandResult{
		CommandID:        resp.CommandID,
		AlreadyProcessed: resp.AlreadyProcessed,
		ProcessedAt:      resp.ProcessedAt,
	}
	for _, we := range resp.Events {
		result.Events = append(result.Events, we.Event())
	}
	return result, nil
}

// Query sends a query and decodes the projection's answer into result,
// which must be a pointer. A nil result discards the answer.
func (c *Client) Query(ctx context.Context, q eventsourcing.Query, result any) error {
	if q == nil {
		return eventsourcing.ErrInvalidQuery
	}

	tag, payload, err := c.registry.Encode(q)
	if err != nil {
		return err
	}
	req := &QueryRequest{
		QueryType:     tag,
		Payload:       payload,
		CorrelationID: correlationFrom(ctx, q),
	}

	resp, err := c.transport.Query(ctx, req)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	return nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// correlationFrom resolves the correlation to send with an envelope: the
// message's own, else the surrounding execution's. The remote analog of
// how the local bus inherits correlation.
func correlationFrom(ctx context.Context, msg any) string {
	if corr, ok := msg.(eventsourcing.Correlated); ok && corr.CorrelationID() != "" {
		return corr.CorrelationID()
	}
	if exec, ok := eventsourcing.ExecutionFrom(ctx); ok {
		return exec.CorrelationID
	}
	return ""
}

var _ eventsourcing.CommandBus = (*Client)(nil)
