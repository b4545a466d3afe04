package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner manages the lifecycle of a set of services. Services start
// sequentially in registration order and stop in reverse, so a service
// may rely on everything registered before it being up.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration

	mu      sync.Mutex
	started []Service
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithShutdownTimeout bounds the graceful shutdown of all services
// combined. Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each individual service start.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a Runner managing the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled or a
// shutdown signal arrives, then stops the started services in reverse
// order. If a service fails to start, the ones already running are
// stopped and the start error is returned.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		WaitForShutdownSignal()
		r.logger.Info("shutdown signal received")
		cancel()
	}()

	if err := r.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return r.Stop()
}

// Start brings every service up in registration order without waiting for
// a shutdown signal. If a service fails to start, the ones already running
// are stopped and the start error is returned. Pair with Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting services", "count", len(r.services))

	var started []Service
	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service",
				"service", service.Name(),
				"error", err)

			r.stopServices(started)
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	r.mu.Lock()
	r.started = started
	r.mu.Unlock()

	r.logger.Info("all services started")
	return nil
}

// Stop stops the services brought up by Start in reverse order. Calling
// Stop without a successful Start is a no-op.
func (r *Runner) Stop() error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	if len(started) == 0 {
		return nil
	}

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services one at a time in reverse start order under
// a shared deadline. A failed stop is recorded and the remaining services
// still get their turn; once the deadline passes, the rest are abandoned.
func (r *Runner) stopServices(started []Service) error {
	if len(started) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		service := started[i]
		r.logger.Info("stopping service", "service", service.Name())

		stopErr := make(chan error, 1)
		go func() {
			stopErr <- service.Stop(shutdownCtx)
		}()

		select {
		case err := <-stopErr:
			if err != nil {
				r.logger.Error("failed to stop service",
					"service", service.Name(),
					"error", err)
				errs = append(errs, fmt.Errorf("stop %s: %w", service.Name(), err))
				continue
			}
			r.logger.Info("service stopped", "service", service.Name())

		case <-shutdownCtx.Done():
			r.logger.Error("shutdown timeout exceeded",
				"service", service.Name(),
				"timeout", r.shutdownTimeout)
			errs = append(errs, fmt.Errorf("stop %s: %w", service.Name(), shutdownCtx.Err()))
			return errors.Join(errs...)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.logger.Info("all services stopped")
	return nil
}

// HealthCheck runs the health check of every service that implements
// HealthChecker and returns the first failure.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		hc, ok := service.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
		}
	}
	return nil
}
