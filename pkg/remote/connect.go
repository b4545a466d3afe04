package remote

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// domainCodeHeader transports the code of a business-rule rejection as
// connect error metadata.
const domainCodeHeader = "Cqrskit-Domain-Code"

// jsonOption is the codec shared by handlers and clients. The registry's
// JSON codec satisfies connect's codec contract, so the same encoder runs
// on the wire and in the stores.
func jsonOption() connect.Option {
	return connect.WithCodec(eventsourcing.JSONCodec{})
}

// NewCommandServiceHandler mounts the command dispatch procedure. The
// returned path and handler plug straight into an http.ServeMux:
//
//	mux.Handle(remote.NewCommandServiceHandler(gateway))
func NewCommandServiceHandler(gateway *Gateway, opts ...connect.HandlerOption) (string, http.Handler) {
	handlerOpts := append([]connect.HandlerOption{jsonOption()}, opts...)
	mux := http.NewServeMux()
	mux.Handle(CommandServiceDispatchProcedure, connect.NewUnaryHandler(
		CommandServiceDispatchProcedure,
		func(ctx context.Context, req *connect.Request[DispatchRequest]) (*connect.Response[DispatchResponse], error) {
			resp, err := gateway.Dispatch(ctx, req.Msg)
			if err != nil {
				return nil, asConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		handlerOpts...,
	))
	return "/cqrskit.v1.CommandService/", mux
}

// NewQueryServiceHandler mounts the query procedure.
func NewQueryServiceHandler(gateway *Gateway, opts ...connect.HandlerOption) (string, http.Handler) {
	handlerOpts := append([]connect.HandlerOption{jsonOption()}, opts...)
	mux := http.NewServeMux()
	mux.Handle(QueryServiceQueryProcedure, connect.NewUnaryHandler(
		QueryServiceQueryProcedure,
		func(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
			resp, err := gateway.Query(ctx, req.Msg)
			if err != nil {
				return nil, asConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		handlerOpts...,
	))
	return "/cqrskit.v1.QueryService/", mux
}

// ConnectTransport dispatches envelopes to a connect gateway over HTTP.
type ConnectTransport struct {
	commands *connect.Client[DispatchRequest, DispatchResponse]
	queries  *connect.Client[QueryRequest, QueryResponse]
}

// NewConnectTransport creates a transport against baseURL, which is the
// scheme and host of the gateway without a path. A nil httpClient means
// http.DefaultClient.
func NewConnectTransport(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clientOpts := append([]connect.ClientOption{jsonOption()}, opts...)
	return &ConnectTransport{
		commands: connect.NewClient[DispatchRequest, DispatchResponse](
			httpClient, baseURL+CommandServiceDispatchProcedure, clientOpts...),
		queries: connect.NewClient[QueryRequest, QueryResponse](
			httpClient, baseURL+QueryServiceQueryProcedure, clientOpts...),
	}
}

// Dispatch implements Transport.
func (t *ConnectTransport) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	resp, err := t.commands.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

// Query implements Transport.
func (t *ConnectTransport) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	resp, err := t.queries.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

// Close implements Transport. The HTTP client is owned by the caller.
func (t *ConnectTransport) Close() error { return nil }

// asConnectError maps a gateway failure onto the connect error channel.
// Domain rejections ride with their code in the error metadata.
func asConnectError(err error) *connect.Error {
	var de *eventsourcing.DomainError
	if errors.As(err, &de) {
		cerr := connect.NewError(connect.CodeFailedPrecondition, errors.New(de.Message))
		cerr.Meta().Set(domainCodeHeader, de.Code)
		return cerr
	}
	return connect.NewError(classify(err), err)
}

// fromConnectError converts a connect failure back into the caller-facing
// form, rebuilding domain rejections from the error metadata.
func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}
	if domain := cerr.Meta().Get(domainCodeHeader); domain != "" {
		return eventsourcing.NewDomainError(domain, cerr.Message())
	}
	return restoreError(&Error{Code: cerr.Code().String(), Message: cerr.Message()})
}

var _ Transport = (*ConnectTransport)(nil)
