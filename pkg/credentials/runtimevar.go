package credentials

import (
	"context"
	"fmt"
	"sync"

	"gocloud.dev/runtimevar"
	// Driver imports are opt-in. Import the backends you use in
	// application code:
	//	_ "gocloud.dev/runtimevar/filevar"
	//	_ "gocloud.dev/runtimevar/constantvar"
	//	_ "gocloud.dev/runtimevar/awssecretsmanager"
	//	_ "gocloud.dev/runtimevar/gcpsecretmanager"
	//	_ "gocloud.dev/runtimevar/etcdvar"
)

// VarProvider resolves credentials from a Go Cloud runtime variable. The
// variable holds a JSON credentials document; the driver watches the
// backend and Latest returns the most recent good value, so rotation in
// the secret store propagates without reconnecting.
type VarProvider struct {
	variable *runtimevar.Variable

	mu     sync.Mutex
	closed bool
}

// OpenVar opens a runtime variable by URL, for example
// "file:///etc/nats/creds.json?decoder=bytes" or an
// "awssecretsmanager://..." reference. The decoder must yield bytes or
// a string.
func OpenVar(ctx context.Context, url string) (*VarProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: variable URL is required", ErrInvalid)
	}
	variable, err := runtimevar.OpenVariable(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open credentials variable: %w", err)
	}
	return &VarProvider{variable: variable}, nil
}

// NewVar wraps an already opened runtime variable, for drivers that are
// constructed programmatically rather than by URL.
func NewVar(variable *runtimevar.Variable) *VarProvider {
	return &VarProvider{variable: variable}
}

func (p *VarProvider) Credentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Credentials{}, ErrClosed
	}

	snapshot, err := p.variable.Latest(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve credentials variable: %w", err)
	}

	switch value := snapshot.Value.(type) {
	case []byte:
		return decode(value)
	case string:
		return decode([]byte(value))
	default:
		return Credentials{}, fmt.Errorf("%w: variable decodes to %T, want bytes or string", ErrInvalid, snapshot.Value)
	}
}

func (p *VarProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.variable.Close()
}
