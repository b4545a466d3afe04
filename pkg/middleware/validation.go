package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Validator validates commands before they reach an aggregate. It runs in
// addition to the self-validation a command performs through
// eventsourcing.Validatable.
type Validator interface {
	// ValidateCommand validates a command and returns an error if invalid.
	ValidateCommand(ctx context.Context, cmd eventsourcing.Command) error
}

// ValidationMiddleware rejects structurally invalid commands and queries
// at the boundary, before any aggregate or projection is touched.
// Validation failures satisfy errors.Is against ErrInvalidCommand or
// ErrInvalidQuery.
type ValidationMiddleware struct {
	validator Validator
}

// NewValidationMiddleware creates a validation middleware. The validator
// may be nil, in which case only Validatable self-validation runs.
func NewValidationMiddleware(validator Validator) *ValidationMiddleware {
	return &ValidationMiddleware{validator: validator}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *ValidationMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	if v, ok := cmd.(eventsourcing.Validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", eventsourcing.ErrInvalidCommand, err)
		}
	}

	if m.validator != nil {
		if err := m.validator.ValidateCommand(ctx, cmd); err != nil {
			return nil, fmt.Errorf("%w: %w", eventsourcing.ErrInvalidCommand, err)
		}
	}

	return next(ctx, cmd)
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (m *ValidationMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	if v, ok := q.(eventsourcing.Validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", eventsourcing.ErrInvalidQuery, err)
		}
	}

	return next(ctx, q)
}
