package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// StaticProvider returns the same credentials on every call. Meant for
// development and tests where rotation does not matter.
type StaticProvider struct {
	creds Credentials
}

// NewStatic wraps fixed credentials in a provider.
func NewStatic(creds Credentials) *StaticProvider {
	return &StaticProvider{creds: creds}
}

// NewStaticToken is shorthand for a bearer token provider.
func NewStaticToken(token string) *StaticProvider {
	return NewStatic(Credentials{Type: TypeToken, Token: token})
}

// NewStaticUserPassword is shorthand for a user/password provider.
func NewStaticUserPassword(user, password string) *StaticProvider {
	return NewStatic(Credentials{Type: TypeUserPassword, User: user, Password: password})
}

func (p *StaticProvider) Credentials(ctx context.Context) (Credentials, error) {
	if err := p.creds.Validate(); err != nil {
		return Credentials{}, err
	}
	if p.creds.Expired() {
		return Credentials{}, ErrExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Close() error { return nil }

// FileProvider reads credentials from a JSON file on every resolve, so
// replacing the file rotates the material without restarting.
type FileProvider struct {
	path string
}

// FromFile creates a provider backed by a JSON credentials file.
func FromFile(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Credentials(ctx context.Context) (Credentials, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	return decode(data)
}

func (p *FileProvider) Close() error { return nil }

// decode parses and checks a JSON credentials document.
func decode(data []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	if creds.Expired() {
		return Credentials{}, ErrExpired
	}
	return creds, nil
}
