package nats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestEmbeddedServerStartAndShutdown(t *testing.T) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}

	if !strings.HasPrefix(srv.URL(), "nats://") {
		t.Errorf("expected nats:// URL, got %s", srv.URL())
	}

	nc, err := ConnectToEmbedded(srv)
	if err != nil {
		t.Fatalf("failed to connect to embedded server: %v", err)
	}
	if !nc.IsConnected() {
		t.Error("expected connection to be established")
	}
	nc.Close()

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown timed out")
	}
}

func TestEmbeddedServerShutdownIsIdempotent(t *testing.T) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("concurrent shutdowns timed out")
	}
}

func TestEmbeddedServerShutdownWithActiveConnections(t *testing.T) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}

	var conns []*nats.Conn
	for i := 0; i < 5; i++ {
		nc, err := ConnectToEmbedded(srv)
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		conns = append(conns, nc)
	}
	defer func() {
		for _, nc := range conns {
			nc.Close()
		}
	}()

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown timed out with active connections")
	}
}

func TestDurableNameSanitizesSubjectTokens(t *testing.T) {
	cases := map[string]string{
		"inventory-view":    "inventory-view",
		"report.daily":      "report-daily",
		"fan>out":           "fan-out",
		"audit log/v2":      "audit-log-v2",
		"wild*card":         "wild-card",
		"back\\slash\ttab": "back-slash-tab",
	}
	for in, want := range cases {
		if got := durableName(in); got != want {
			t.Errorf("durableName(%q) = %q, want %q", in, got, want)
		}
	}
}
