package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
// It backs local development and the transport test suites; production
// deployments point the transport at an external cluster instead.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// ServerOption configures the embedded server.
type ServerOption func(*server.Options)

// WithPort sets a fixed listen port. The default is a random free port.
func WithPort(port int) ServerOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithStoreDir sets the JetStream storage directory. The default is a
// temporary directory, which means streams do not survive a restart.
func WithStoreDir(dir string) ServerOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// WithDebug enables server debug and trace logging.
func WithDebug(enabled bool) ServerOption {
	return func(o *server.Options) {
		o.Debug = enabled
		o.Trace = enabled
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream and
// waits until it accepts connections.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	serverOpts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		JetStream: true,
	}
	for _, opt := range opts {
		opt(serverOpts)
	}

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after 5s")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits up to five seconds for it to wind
// down. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}

// ConnectToEmbedded opens a client connection to an embedded server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
