package validators

import (
	"fmt"
	"strconv"
)

// ValidateBool requires the flag to be set, for consent checkboxes and the
// like.
func ValidateBool(value bool, fieldName string) *ValidationResult {
	recorded := strconv.FormatBool(value)
	if !value {
		display := ToUserFriendlyName(fieldName)
		return fail(fieldName, recorded,
			fmt.Sprintf("The %s field must be true.", display),
			fmt.Sprintf("Please provide a valid value for the %s field.", display),
			ValidationCodeRequired,
		)
	}
	return pass(fieldName, recorded)
}
