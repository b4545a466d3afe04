package runner

import "context"

// Service is a long-lived component whose lifecycle the Runner manages.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up. It blocks until the service is ready
	// to do work and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down. The context carries the shutdown
	// deadline and must be respected.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
