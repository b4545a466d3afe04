package validators

import "strings"

// MaskString hides all but the last four characters of value. Shorter values
// are replaced with a fixed-width mask.
func MaskString(value string) string {
	const tail = 4
	if len(value) < tail {
		return strings.Repeat("*", 12)
	}
	return strings.Repeat("*", len(value)-tail) + value[len(value)-tail:]
}

// MaskPassword records nothing about the secret, not even its length.
func MaskPassword(string) string {
	return strings.Repeat("*", 25)
}
