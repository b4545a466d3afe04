package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

const emailHint = "Please provide a valid email address, e.g., 'name@example.com'."

// ValidateEmail checks an address with govalidator's email rules.
func ValidateEmail(fieldName string, value string) *ValidationResult {
	display := ToUserFriendlyName(fieldName)

	if value == "" {
		return fail(fieldName, value,
			fmt.Sprintf("%s is required", display),
			emailHint,
			ValidationCodeRequired,
		)
	}
	if !govalidator.IsEmail(value) {
		return fail(fieldName, value,
			fmt.Sprintf("Please enter a valid %s", display),
			emailHint,
			ValidationCodeInvalid,
		)
	}
	return pass(fieldName, value)
}
