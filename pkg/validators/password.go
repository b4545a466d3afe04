package validators

import (
	"fmt"

	"github.com/plaenen/cqrskit/pkg/password"
)

// ValidatePassword checks a secret against the strength policy. The recorded
// value is always masked.
func ValidatePassword(fieldName string, value string) *ValidationResult {
	display := ToUserFriendlyName(fieldName)
	masked := MaskPassword(value)

	if value == "" {
		return fail(fieldName, masked,
			fmt.Sprintf("%s is required", display),
			fmt.Sprintf("Please provide a valid %s.", display),
			ValidationCodeRequired,
		)
	}
	if err := password.ValidateStrength(value); err != nil {
		return fail(fieldName, masked,
			fmt.Sprintf("%s is too weak", display),
			fmt.Sprintf("Please provide a stronger %s.", display),
			ValidationCodeInvalid,
		)
	}
	return pass(fieldName, masked)
}
