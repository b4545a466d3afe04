package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Authorizer decides whether a principal may execute a command. The
// principal id comes from the execution context and may be empty for
// anonymous dispatch.
type Authorizer interface {
	Authorize(ctx context.Context, principalID string, cmd eventsourcing.Command) error
}

// AuthorizationMiddleware enforces authorization for commands.
type AuthorizationMiddleware struct {
	authorizer Authorizer
}

// NewAuthorizationMiddleware creates an authorization middleware.
func NewAuthorizationMiddleware(authorizer Authorizer) *AuthorizationMiddleware {
	return &AuthorizationMiddleware{authorizer: authorizer}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *AuthorizationMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	exec, _ := eventsourcing.ExecutionFrom(ctx)

	if err := m.authorizer.Authorize(ctx, exec.PrincipalID, cmd); err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	return next(ctx, cmd)
}

// RoleBasedAuthorizer implements simple role-based authorization.
// Command types without an entry in the role map are open to any caller.
type RoleBasedAuthorizer struct {
	// commandRoles maps command types to required roles
	commandRoles map[string][]string
	// principalRoles provides roles for a principal
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

// NewRoleBasedAuthorizer creates a role-based authorizer.
func NewRoleBasedAuthorizer(
	commandRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		commandRoles:   commandRoles,
		principalRoles: principalRoles,
	}
}

// Authorize implements Authorizer.
func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID string, cmd eventsourcing.Command) error {
	requiredRoles, exists := a.commandRoles[cmd.CommandType()]
	if !exists || len(requiredRoles) == 0 {
		return nil
	}

	if principalID == "" {
		return fmt.Errorf("command %s requires an authenticated principal", cmd.CommandType())
	}

	principalRolesList, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("failed to get principal roles: %w", err)
	}

	held := make(map[string]bool, len(principalRolesList))
	for _, role := range principalRolesList {
		held[role] = true
	}

	for _, required := range requiredRoles {
		if held[required] {
			return nil
		}
	}

	return fmt.Errorf("principal %s lacks required role for command %s (required: %v)", principalID, cmd.CommandType(), requiredRoles)
}
