// Package password hashes and checks secrets used by command handlers,
// such as the card PIN in the bank example. Hashes are bcrypt, strength
// is measured as entropy bits.
package password

import (
	"errors"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
	DefaultCost = 12

	// MaxSecretLength bounds input before hashing. bcrypt only reads the
	// first 72 bytes anyway.
	MaxSecretLength = 128

	// MinEntropyBits is the strength floor applied by ValidateStrength.
	MinEntropyBits = 60
)

var (
	ErrEmptySecret   = errors.New("secret cannot be empty")
	ErrSecretTooLong = errors.New("secret too long")
	ErrInvalidCost   = errors.New("invalid cost factor")
)

// Compare checks a plaintext secret against its bcrypt hash. A nil return
// means they match.
func Compare(hashed, plain string) error {
	if hashed == "" || plain == "" {
		return ErrEmptySecret
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

// HashOptions carries tunables for Hash.
type HashOptions struct {
	Cost int
}

// HashOpt customizes HashOptions.
type HashOpt func(*HashOptions)

// WithCost sets the bcrypt cost factor. Out-of-range values are ignored and
// the default stays in effect.
func WithCost(cost int) HashOpt {
	return func(options *HashOptions) {
		if cost >= MinCost && cost <= MaxCost {
			options.Cost = cost
		}
	}
}

// Hash bcrypt-hashes a secret.
func Hash(plain string, opts ...HashOpt) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}
	if len(plain) > MaxSecretLength {
		return "", ErrSecretTooLong
	}

	options := &HashOptions{Cost: DefaultCost}
	for _, opt := range opts {
		opt(options)
	}
	if options.Cost < MinCost || options.Cost > MaxCost {
		return "", ErrInvalidCost
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), options.Cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ValidateStrength rejects secrets below MinEntropyBits of estimated entropy.
func ValidateStrength(plain string) error {
	return passwordvalidator.Validate(plain, MinEntropyBits)
}

// ValidatePIN checks a numeric PIN: 4 to 8 digits, not a single repeated
// digit. PINs are too short for the entropy policy, so the rule is
// structural instead.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return errors.New("pin must be 4 to 8 digits")
	}
	same := true
	for i, r := range pin {
		if r < '0' || r > '9' {
			return errors.New("pin must contain only digits")
		}
		if i > 0 && byte(r) != pin[0] {
			same = false
		}
	}
	if same {
		return errors.New("pin must not repeat a single digit")
	}
	return nil
}
