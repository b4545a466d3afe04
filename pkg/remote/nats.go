package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/nats-io/nats.go"

	"github.com/plaenen/cqrskit/pkg/runner"
)

// subjectFor maps a connect procedure onto its NATS subject, token for
// token: /cqrskit.v1.CommandService/Dispatch becomes
// cqrskit.v1.CommandService.Dispatch.
func subjectFor(procedure string) string {
	return strings.ReplaceAll(strings.Trim(procedure, "/"), "/", ".")
}

// dispatchReply wraps a dispatch outcome for the reply message. Exactly
// one of the fields is set, mirroring what connect carries on its error
// channel.
type dispatchReply struct {
	Response *DispatchResponse `json:"response,omitempty"`
	Error    *Error            `json:"error,omitempty"`
}

type queryReply struct {
	Response *QueryResponse `json:"response,omitempty"`
	Error    *Error         `json:"error,omitempty"`
}

// NATSServerConfig holds configuration for the NATS gateway server.
type NATSServerConfig struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies this instance on the server.
	Name string

	// QueueGroup load-balances dispatches across instances sharing it.
	QueueGroup string

	// HandlerTimeout bounds a single dispatch.
	HandlerTimeout time.Duration

	// Logger receives request-level failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultNATSServerConfig returns the server defaults.
func DefaultNATSServerConfig() NATSServerConfig {
	return NATSServerConfig{
		URL:            nats.DefaultURL,
		Name:           "cqrskit-gateway",
		QueueGroup:     "cqrskit-gateways",
		HandlerTimeout: 30 * time.Second,
	}
}

// NATSServer serves a gateway over NATS request/reply. Instances sharing
// a queue group load-balance requests between them; every request runs
// the gateway's full local pipeline.
//
// NATSServer implements runner.Service, so it slots into a runner next to
// the transport and store services.
type NATSServer struct {
	nc      *nats.Conn
	gateway *Gateway
	config  NATSServerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSServer connects to NATS. Subscriptions open on Start.
func NewNATSServer(gateway *Gateway, config NATSServerConfig) (*NATSServer, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if config.QueueGroup == "" {
		config.QueueGroup = "cqrskit-gateways"
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(config.URL, nats.Name(config.Name))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSServer{
		nc:      nc,
		gateway: gateway,
		config:  config,
		logger:  logger,
	}, nil
}

// Name implements runner.Service.
func (s *NATSServer) Name() string { return "remote-gateway" }

// Start implements runner.Service and subscribes the procedure subjects.
func (s *NATSServer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("gateway server is closed")
	}

	for subject, handler := range map[string]nats.MsgHandler{
		subjectFor(CommandServiceDispatchProcedure): s.handleDispatch,
		subjectFor(QueryServiceQueryProcedure):      s.handleQuery,
	} {
		sub, err := s.nc.QueueSubscribe(subject, s.config.QueueGroup, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("remote gateway listening",
		slog.String("url", s.config.URL),
		slog.String("queue_group", s.config.QueueGroup),
	)
	return nil
}

// Stop implements runner.Service. In-flight handlers are given until the
// context deadline to finish through the connection drain.
func (s *NATSServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject, err))
		}
	}
	s.nc.Close()

	s.logger.Info("remote gateway stopped")
	return errors.Join(errs...)
}

// HealthCheck implements runner.HealthChecker.
func (s *NATSServer) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("not connected to %s", s.config.URL)
	}
	return nil
}

func (s *NATSServer) handleDispatch(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandlerTimeout)
	defer cancel()

	var reply dispatchReply
	var req DispatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = &Error{
			Code:    connect.CodeInvalidArgument.String(),
			Message: fmt.Sprintf("decode dispatch request: %v", err),
		}
	} else if resp, err := s.gateway.Dispatch(ctx, &req); err != nil {
		reply.Error = transportError(err)
	} else {
		reply.Response = resp
	}
	s.respond(msg, reply)
}

func (s *NATSServer) handleQuery(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandlerTimeout)
	defer cancel()

	var reply queryReply
	var req QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = &Error{
			Code:    connect.CodeInvalidArgument.String(),
			Message: fmt.Sprintf("decode query request: %v", err),
		}
	} else if resp, err := s.gateway.Query(ctx, &req); err != nil {
		reply.Error = transportError(err)
	} else {
		reply.Response = resp
	}
	s.respond(msg, reply)
}

func (s *NATSServer) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encode gateway reply",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("respond to gateway request",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
}

var _ runner.Service = (*NATSServer)(nil)
var _ runner.HealthChecker = (*NATSServer)(nil)

// NATSTransportConfig holds configuration for the client side.
type NATSTransportConfig struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies this client on the server.
	Name string

	// Timeout applies to requests whose context carries no deadline.
	Timeout time.Duration
}

// DefaultNATSTransportConfig returns the client defaults.
func DefaultNATSTransportConfig() NATSTransportConfig {
	return NATSTransportConfig{
		URL:     nats.DefaultURL,
		Name:    "cqrskit-client",
		Timeout: 30 * time.Second,
	}
}

// NATSTransport dispatches envelopes over NATS request/reply.
type NATSTransport struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSTransport connects to NATS.
func NewNATSTransport(config NATSTransportConfig) (*NATSTransport, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Name == "" {
		config.Name = "cqrskit-client"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	nc, err := nats.Connect(config.URL, nats.Name(config.Name))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSTransport{nc: nc, timeout: config.Timeout}, nil
}

// Dispatch implements Transport.
func (t *NATSTransport) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	var reply dispatchReply
	if err := t.request(ctx, subjectFor(CommandServiceDispatchProcedure), req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, restoreError(reply.Error)
	}
	if reply.Response == nil {
		return nil, fmt.Errorf("gateway reply carried neither response nor error")
	}
	return reply.Response, nil
}

// Query implements Transport.
func (t *NATSTransport) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	var reply queryReply
	if err := t.request(ctx, subjectFor(QueryServiceQueryProcedure), req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, restoreError(reply.Error)
	}
	if reply.Response == nil {
		return nil, fmt.Errorf("gateway reply carried neither response nor error")
	}
	return reply.Response, nil
}

func (t *NATSTransport) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no gateway listening on %s: %w", subject, err)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode gateway reply: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	t.nc.Close()
	return nil
}

var _ Transport = (*NATSTransport)(nil)
