package password_test

import (
	"strings"
	"testing"

	"github.com/plaenen/cqrskit/pkg/password"
)

func TestHashAndCompare(t *testing.T) {
	hashed, err := password.Hash("correct horse battery staple", password.WithCost(password.MinCost))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := password.Compare(hashed, "correct horse battery staple"); err != nil {
		t.Errorf("matching secret rejected: %v", err)
	}
	if err := password.Compare(hashed, "wrong"); err == nil {
		t.Error("mismatching secret accepted")
	}
}

func TestHashRejectsBadInput(t *testing.T) {
	if _, err := password.Hash(""); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := password.Hash(strings.Repeat("x", password.MaxSecretLength+1)); err == nil {
		t.Error("oversized secret accepted")
	}
}

func TestWithCostIgnoresOutOfRange(t *testing.T) {
	// An out-of-range cost keeps the default instead of failing.
	if _, err := password.Hash("correct horse battery staple", password.WithCost(99)); err != nil {
		t.Errorf("out-of-range cost should fall back to default: %v", err)
	}
}

func TestValidateStrength(t *testing.T) {
	if err := password.ValidateStrength("aaaa"); err == nil {
		t.Error("weak secret passed strength check")
	}
	if err := password.ValidateStrength("correct horse battery staple"); err != nil {
		t.Errorf("strong secret failed strength check: %v", err)
	}
}

func TestValidatePIN(t *testing.T) {
	cases := []struct {
		pin  string
		want bool
	}{
		{"4912", true},
		{"49128375", true},
		{"491", false},
		{"491283756", false},
		{"49a2", false},
		{"1111", false},
	}
	for _, tc := range cases {
		err := password.ValidatePIN(tc.pin)
		if tc.want && err != nil {
			t.Errorf("pin %q rejected: %v", tc.pin, err)
		}
		if !tc.want && err == nil {
			t.Errorf("pin %q accepted", tc.pin)
		}
	}
}
