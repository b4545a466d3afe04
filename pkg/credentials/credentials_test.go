package credentials

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/runtimevar"
	"gocloud.dev/runtimevar/constantvar"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		creds Credentials
		ok    bool
	}{
		{"Zero", Credentials{}, true},
		{"Token", Credentials{Type: TypeToken, Token: "t"}, true},
		{"TokenMissing", Credentials{Type: TypeToken}, false},
		{"UserPassword", Credentials{Type: TypeUserPassword, User: "u", Password: "p"}, true},
		{"UserPasswordIncomplete", Credentials{Type: TypeUserPassword, User: "u"}, false},
		{"NKey", Credentials{Type: TypeNKey, NKeySeed: "SU..."}, true},
		{"NKeyMissing", Credentials{Type: TypeNKey}, false},
		{"JWT", Credentials{Type: TypeJWT, JWT: "ey...", NKeySeed: "SU..."}, true},
		{"JWTWithoutSeed", Credentials{Type: TypeJWT, JWT: "ey..."}, false},
		{"UnknownType", Credentials{Type: "voodoo"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.creds.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestStaticProvider(t *testing.T) {
	provider := NewStaticToken("test-token")
	defer provider.Close()

	creds, err := provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeToken, creds.Type)
	assert.Equal(t, "test-token", creds.Token)
	assert.False(t, creds.Expired())
}

func TestStaticProviderExpiration(t *testing.T) {
	provider := NewStatic(Credentials{
		Type:      TypeToken,
		Token:     "test-token",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	defer provider.Close()

	_, err := provider.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestStaticUserPassword(t *testing.T) {
	provider := NewStaticUserPassword("admin", "secret")
	defer provider.Close()

	creds, err := provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.User)
	assert.Equal(t, "secret", creds.Password)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	write := func(creds Credentials) {
		data, err := json.Marshal(creds)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}

	write(Credentials{Type: TypeToken, Token: "first"})
	provider := FromFile(path)
	defer provider.Close()

	creds, err := provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", creds.Token)

	// Replacing the file rotates the material.
	write(Credentials{Type: TypeToken, Token: "second"})
	creds, err = provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestFromFileErrors(t *testing.T) {
	provider := FromFile(filepath.Join(t.TempDir(), "missing.json"))
	_, err := provider.Credentials(context.Background())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = FromFile(path).Credentials(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVarProvider(t *testing.T) {
	data, err := json.Marshal(Credentials{Type: TypeUserPassword, User: "svc", Password: "pw"})
	require.NoError(t, err)

	variable := constantvar.NewBytes(data, runtimevar.BytesDecoder)
	provider := NewVar(variable)

	creds, err := provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "svc", creds.User)

	require.NoError(t, provider.Close())
	_, err = provider.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestVarProviderRejectsWrongDecoder(t *testing.T) {
	variable := constantvar.New(map[string]any{"type": "token"})
	provider := NewVar(variable)
	defer provider.Close()

	_, err := provider.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestChain(t *testing.T) {
	failing := FromFile(filepath.Join(t.TempDir(), "missing.json"))
	fallback := NewStaticToken("fallback")
	chain := NewChain(failing, fallback)
	defer chain.Close()

	creds, err := chain.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", creds.Token)
}

func TestChainAllFail(t *testing.T) {
	chain := NewChain(
		FromFile(filepath.Join(t.TempDir(), "a.json")),
		FromFile(filepath.Join(t.TempDir(), "b.json")),
	)
	_, err := chain.Credentials(context.Background())
	assert.Error(t, err)

	_, err = NewChain().Credentials(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLogValueRedactsSecrets(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("connected", "credentials", Credentials{
		Type:     TypeUserPassword,
		User:     "svc",
		Password: "hunter2",
	})

	out := buf.String()
	assert.Contains(t, out, "svc")
	assert.NotContains(t, out, "hunter2")
}
