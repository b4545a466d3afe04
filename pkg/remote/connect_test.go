package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/remote"
)

// newConnectClient serves a gateway over HTTP and returns a client
// dialing it.
func newConnectClient(t *testing.T) (*remote.Client, *eventsourcing.Registry) {
	t.Helper()

	gateway, registry := newTabPipeline(t)

	mux := http.NewServeMux()
	mux.Handle(remote.NewCommandServiceHandler(gateway))
	mux.Handle(remote.NewQueryServiceHandler(gateway))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	transport := remote.NewConnectTransport(server.Client(), server.URL)
	client, err := remote.NewClient(transport, registry)
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client, registry
}

func TestConnectDispatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, registry := newConnectClient(t)

	cmd := openTab{CommandBase: eventsourcing.NewCommandBase("tab-http-1"), Waiter: "ben", Key: "open-http-1"}
	result, err := client.Dispatch(ctx, cmd)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.CommandID != cmd.ID() {
		t.Errorf("command id = %s, want %s", result.CommandID, cmd.ID())
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	payload, err := registry.Decode(result.Events[0].EventType, result.Events[0].Data)
	if err != nil {
		t.Fatalf("decode event data failed: %v", err)
	}
	if opened := payload.(tabOpened); opened.Waiter != "ben" {
		t.Errorf("event payload waiter = %s, want ben", opened.Waiter)
	}

	retry := openTab{CommandBase: eventsourcing.NewCommandBase("tab-http-1"), Waiter: "ben", Key: "open-http-1"}
	retryResult, err := client.Dispatch(ctx, retry)
	if err != nil {
		t.Fatalf("retry dispatch failed: %v", err)
	}
	if !retryResult.AlreadyProcessed {
		t.Error("retry not reported as already processed")
	}
}

func TestConnectDomainRejectionSurvivesTheWire(t *testing.T) {
	client, _ := newConnectClient(t)

	cmd := openTab{CommandBase: eventsourcing.NewCommandBase("tab-http-2")}
	_, err := client.Dispatch(context.Background(), cmd)
	if !eventsourcing.IsDomainError(err) {
		t.Fatalf("expected domain error, got %v", err)
	}
	var de *eventsourcing.DomainError
	errors.As(err, &de)
	if de.Code != "WAITER_REQUIRED" {
		t.Errorf("domain code = %s, want WAITER_REQUIRED", de.Code)
	}
}

func TestConnectConflictMapsToSentinel(t *testing.T) {
	client, _ := newConnectClient(t)

	cmd := settleTab{CommandBase: eventsourcing.NewCommandBase("tab-http-3")}
	_, err := client.Dispatch(context.Background(), cmd)
	if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	var werr *remote.Error
	if !errors.As(err, &werr) {
		t.Fatalf("expected remote error, got %T", err)
	}
	if werr.Code != "aborted" {
		t.Errorf("wire code = %s, want aborted", werr.Code)
	}
}

func TestConnectQueryRoundTrip(t *testing.T) {
	client, _ := newConnectClient(t)

	var view tabView
	q := tabByID{QueryBase: eventsourcing.NewQueryBase(), TabID: "tab-http-9"}
	if err := client.Query(context.Background(), q, &view); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if view.TabID != "tab-http-9" || !view.Open {
		t.Errorf("unexpected view: %+v", view)
	}
}
