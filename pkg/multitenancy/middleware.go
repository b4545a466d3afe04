package multitenancy

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// RequireTenant is bus middleware that refuses commands and queries
// dispatched without a tenant in the context. Commands that target an
// explicitly scoped stream id must target the context's tenant.
//
// It guards the boundary only; storage-level isolation comes from
// ScopedStore.
type RequireTenant struct{}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (RequireTenant) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	tenantID, ok := TenantFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("command %s: %w", cmd.CommandType(), ErrNoTenant)
	}
	if err := CheckStream(cmd.AggregateID(), tenantID); err != nil {
		return nil, fmt.Errorf("command %s targets stream %s: %w", cmd.CommandType(), cmd.AggregateID(), err)
	}
	return next(ctx, cmd)
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (RequireTenant) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	if _, ok := TenantFrom(ctx); !ok {
		return nil, fmt.Errorf("query %s: %w", q.QueryType(), ErrNoTenant)
	}
	return next(ctx, q)
}

var _ eventsourcing.CommandInterceptor = RequireTenant{}
var _ eventsourcing.QueryInterceptor = RequireTenant{}
