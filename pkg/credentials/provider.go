// Package credentials resolves transport authentication material at
// connect time. A Provider hides where credentials live (in-process,
// on disk, in a cloud secret store) so transports can rotate them
// without redeploying.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrExpired is returned when resolved credentials are past their expiry.
	ErrExpired = errors.New("credentials expired")

	// ErrInvalid is returned when credentials are malformed for their type.
	ErrInvalid = errors.New("invalid credentials")

	// ErrClosed is returned when resolving through a closed provider.
	ErrClosed = errors.New("credential provider closed")
)

// Type names the authentication scheme a set of credentials carries.
type Type string

const (
	// TypeToken is bearer token authentication.
	TypeToken Type = "token"

	// TypeUserPassword is username and password authentication.
	TypeUserPassword Type = "user_password"

	// TypeNKey is NATS NKey challenge authentication. Only the seed is
	// needed, the public key derives from it.
	TypeNKey Type = "nkey"

	// TypeJWT is decentralized JWT authentication, signed with the NKey
	// seed on connect.
	TypeJWT Type = "jwt"
)

// Credentials is one resolved set of authentication material. Which
// fields are set depends on Type. The zero value means "connect
// unauthenticated".
type Credentials struct {
	Type     Type   `json:"type,omitempty"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	NKeySeed string `json:"nkey_seed,omitempty"`
	JWT      string `json:"jwt,omitempty"`

	// ExpiresAt marks when this material stops working. Zero means it
	// does not expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// IsZero reports whether no authentication material is present.
func (c Credentials) IsZero() bool {
	return c.Type == ""
}

// Expired reports whether the credentials are past their expiry.
func (c Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Validate checks that the fields required by Type are present.
func (c Credentials) Validate() error {
	switch c.Type {
	case "":
		return nil
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalid)
		}
	case TypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalid)
		}
	case TypeNKey:
		if c.NKeySeed == "" {
			return fmt.Errorf("%w: nkey seed is required", ErrInvalid)
		}
	case TypeJWT:
		if c.JWT == "" || c.NKeySeed == "" {
			return fmt.Errorf("%w: jwt and nkey seed are required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, c.Type)
	}
	return nil
}

// LogValue renders credentials for structured logs with all secret
// fields redacted.
func (c Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(c.Type))}
	if c.User != "" {
		attrs = append(attrs, slog.String("user", c.User))
	}
	if !c.ExpiresAt.IsZero() {
		attrs = append(attrs, slog.Time("expires_at", c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// Provider resolves the current credentials. Implementations are safe
// for concurrent use and may return fresher material on each call.
type Provider interface {
	// Credentials returns the current authentication material. Resolving
	// expired material fails with ErrExpired.
	Credentials(ctx context.Context) (Credentials, error)

	// Close releases resources held by the provider.
	Close() error
}

// Chain tries each provider in order and returns the first success.
// It backs fallback setups such as secret store first, local file second.
type Chain struct {
	providers []Provider
}

// NewChain builds a fallback chain from the given providers.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Credentials resolves through the chain. All failures are joined into
// the returned error when no provider succeeds.
func (c *Chain) Credentials(ctx context.Context) (Credentials, error) {
	if len(c.providers) == 0 {
		return Credentials{}, fmt.Errorf("%w: empty provider chain", ErrInvalid)
	}
	var errs []error
	for _, p := range c.providers {
		creds, err := p.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	return Credentials{}, fmt.Errorf("all credential providers failed: %w", errors.Join(errs...))
}

// Close closes every provider in the chain.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
