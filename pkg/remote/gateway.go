package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Gateway executes transported envelopes against the local buses. It is
// the server half shared by every transport: decode the payload through
// the registry, validate the envelope against it, run the bus, reduce the
// outcome to wire form.
//
// The envelope never overrides the payload. Aggregate id and idempotency
// key mismatches are rejected, because handlers route and dedupe on what
// the decoded command itself reports. An exception is the correlation id,
// which is inherited through the execution context when the payload
// carries none.
type Gateway struct {
	commands eventsourcing.CommandBus
	queries  eventsourcing.QueryBus
	registry *eventsourcing.Registry
}

// GatewayConfig wires a gateway to its buses.
type GatewayConfig struct {
	// Commands serves dispatch envelopes. A gateway without a command bus
	// answers dispatches with ErrCommandNotFound.
	Commands eventsourcing.CommandBus

	// Queries serves query envelopes. A gateway without a query bus
	// answers queries with ErrQueryNotFound.
	Queries eventsourcing.QueryBus

	// Registry decodes command and query payloads. Required.
	Registry *eventsourcing.Registry
}

// NewGateway creates a gateway. At least one bus must be configured.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Commands == nil && config.Queries == nil {
		return nil, fmt.Errorf("at least one of command and query bus is required")
	}
	return &Gateway{
		commands: config.Commands,
		queries:  config.Queries,
		registry: config.Registry,
	}, nil
}

// Dispatch decodes and executes a command envelope.
func (g *Gateway) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	if req == nil || req.CommandType == "" {
		return nil, fmt.Errorf("%w: missing command type", eventsourcing.ErrInvalidCommand)
	}
	if g.commands == nil {
		return nil, fmt.Errorf("%w: gateway serves no commands", eventsourcing.ErrCommandNotFound)
	}

	decoded, err := g.registry.Decode(req.CommandType, req.Payload)
	if err != nil {
		return nil, err
	}
	cmd, ok := decoded.(eventsourcing.Command)
	if !ok {
		return nil, fmt.Errorf("%w: payload %q is not a command", eventsourcing.ErrInvalidCommand, req.CommandType)
	}

	if req.AggregateID != "" && req.AggregateID != cmd.AggregateID() {
		return nil, fmt.Errorf("%w: envelope targets aggregate %s, payload targets %s",
			eventsourcing.ErrInvalidCommand, req.AggregateID, cmd.AggregateID())
	}
	if req.IdempotencyKey != "" {
		keyed, ok := cmd.(eventsourcing.IdempotencyKeyed)
		if !ok || keyed.IdempotencyKey() != req.IdempotencyKey {
			return nil, fmt.Errorf("%w: envelope idempotency key does not match payload",
				eventsourcing.ErrInvalidCommand)
		}
	}

	result, err := g.commands.Dispatch(g.seed(ctx, req.CorrelationID), cmd)
	if err != nil {
		return nil, err
	}

	resp := &DispatchResponse{
		CommandID:        result.CommandID,
		AlreadyProcessed: result.AlreadyProcessed,
		ProcessedAt:      result.ProcessedAt,
	}
	for _, evt := range result.Events {
		resp.Events = append(resp.Events, wireEventFrom(evt))
	}
	return resp, nil
}

// Query decodes and executes a query envelope.
func (g *Gateway) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req == nil || req.QueryType == "" {
		return nil, fmt.Errorf("%w: missing query type", eventsourcing.ErrInvalidQuery)
	}
	if g.queries == nil {
		return nil, fmt.Errorf("%w: gateway serves no queries", eventsourcing.ErrQueryNotFound)
	}

	decoded, err := g.registry.Decode(req.QueryType, req.Payload)
	if err != nil {
		return nil, err
	}
	q, ok := decoded.(eventsourcing.Query)
	if !ok {
		return nil, fmt.Errorf("%w: payload %q is not a query", eventsourcing.ErrInvalidQuery, req.QueryType)
	}

	answer, err := g.queries.Dispatch(g.seed(ctx, req.CorrelationID), q)
	if err != nil {
		return nil, err
	}
	if answer == nil {
		return &QueryResponse{}, nil
	}

	data, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}
	return &QueryResponse{Result: data}, nil
}

// seed carries the envelope correlation into the execution context. The
// bus inherits it for payloads that carry no correlation of their own.
func (g *Gateway) seed(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return eventsourcing.WithExecution(ctx, eventsourcing.Execution{CorrelationID: correlationID})
}
