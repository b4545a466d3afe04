package nats

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/cqrskit/pkg/observability"
	"github.com/plaenen/cqrskit/pkg/runner"
)

// Service manages a JetStream transport as a runner.Service. With no URL
// configured it starts an embedded server first and points the transport
// at it, which is the local-development and test path; configure a URL to
// use an external cluster.
//
// Example usage:
//
//	transportService := nats.NewService(
//	    nats.WithServiceConfig(nats.DefaultConfig()),
//	    nats.WithServiceLogger(logger),
//	)
//	run := runner.New([]runner.Service{transportService, appService})
//	err := run.Run(ctx)
type Service struct {
	config     Config
	embedded   bool
	serverOpts []ServerOption

	server    *EmbeddedServer
	transport *Transport
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ServiceOption configures the transport service.
type ServiceOption func(*Service)

// WithServiceConfig sets the transport configuration. An empty URL means
// an embedded server is started and its URL is filled in.
func WithServiceConfig(config Config) ServiceOption {
	return func(s *Service) {
		s.config = config
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceTracer sets the OpenTelemetry tracer.
func WithServiceTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithServerOptions sets options for the embedded server. They are
// ignored when an external URL is configured.
func WithServerOptions(opts ...ServerOption) ServiceOption {
	return func(s *Service) {
		s.serverOpts = opts
	}
}

// NewService creates a transport service for use with runner.
func NewService(opts ...ServiceOption) *Service {
	config := DefaultConfig()
	config.URL = "" // embedded unless a URL is configured

	s := &Service{
		config: config,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("nats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.embedded = s.config.URL == ""
	return s
}

// Name implements runner.Service.
func (s *Service) Name() string {
	return "nats-transport"
}

// Start starts the embedded server when needed
// and connects the transport.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "nats.Start")
	defer span.End()

	if s.embedded {
		s.logger.Debug("Starting embedded NATS server")
		srv, err := StartEmbeddedServer(s.serverOpts...)
		if err != nil {
			observability.SetSpanError(ctx, err)
			s.logger.Error("Starting embedded NATS failed", slog.String("error", err.Error()))
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		s.server = srv
		s.config.URL = srv.URL()
	}

	transport, err := NewTransport(s.config)
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
		}
		observability.SetSpanError(ctx, err)
		s.logger.Error("Creating event transport failed", slog.String("error", err.Error()))
		return fmt.Errorf("create event transport: %w", err)
	}
	s.transport = transport

	span.SetAttributes(
		attribute.String("nats.url", s.config.URL),
		attribute.String("stream.name", s.config.StreamName),
	)
	s.logger.Info("Event transport started",
		slog.String("url", s.config.URL),
		slog.String("stream", s.config.StreamName),
		slog.Bool("embedded", s.embedded),
	)
	return nil
}

// Stop closes the transport first and then shuts the embedded server
// down.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "nats.Stop")
	defer span.End()

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("Closing event transport failed", slog.String("error", err.Error()))
		}
	}
	if s.server != nil {
		s.server.Shutdown()
	}

	s.logger.Info("Event transport stopped")
	return nil
}

// HealthCheck verifies the server is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "nats.HealthCheck")
	defer span.End()

	if s.transport == nil {
		err := fmt.Errorf("transport not started")
		observability.SetSpanError(ctx, err)
		return err
	}
	if !s.transport.nc.IsConnected() {
		err := fmt.Errorf("not connected to %s", s.config.URL)
		observability.SetSpanError(ctx, err)
		return err
	}

	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// Transport returns the transport. Only available after Start succeeds.
func (s *Service) Transport() *Transport {
	return s.transport
}

// URL returns the connected server URL. Only available after Start
// succeeds.
func (s *Service) URL() string {
	return s.config.URL
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
