package validators

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ToUserFriendlyName turns a snake_case field name into a display name,
// "owner_email" becoming "Owner Email".
func ToUserFriendlyName(fieldName string) string {
	words := strings.Split(fieldName, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(word[size:])
	}
	return strings.Join(words, " ")
}

// ValidateStringEmpty requires a non-empty value.
func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if value == "" {
		display := ToUserFriendlyName(fieldName)
		return fail(fieldName, value,
			fmt.Sprintf("%s is required.", display),
			fmt.Sprintf("Please provide a valid %s.", display),
			ValidationCodeRequired,
		)
	}
	return pass(fieldName, value)
}

// ValidateStringLength bounds the value length in bytes.
func ValidateStringLength(value string, fieldName string, minLength, maxLength int) *ValidationResult {
	display := ToUserFriendlyName(fieldName)
	switch {
	case len(value) < minLength:
		return fail(fieldName, value,
			fmt.Sprintf("%s must be at least %d characters long.", display, minLength),
			fmt.Sprintf("Please provide a %s with at least %d characters.", display, minLength),
			ValidationCodeInvalid,
		)
	case len(value) > maxLength:
		return fail(fieldName, value,
			fmt.Sprintf("%s must be no more than %d characters long.", display, maxLength),
			fmt.Sprintf("Please provide a %s with no more than %d characters.", display, maxLength),
			ValidationCodeInvalid,
		)
	}
	return pass(fieldName, value)
}

// ValidateStringPattern matches the value against a regular expression. A
// pattern that does not compile rejects every value.
func ValidateStringPattern(value string, fieldName string, pattern string, patternName string) *ValidationResult {
	display := ToUserFriendlyName(fieldName)

	if value == "" {
		return fail(fieldName, value,
			fmt.Sprintf("%s is required.", display),
			fmt.Sprintf("Please provide a valid %s.", display),
			ValidationCodeRequired,
		)
	}

	re, err := regexp.Compile(pattern)
	if err != nil || !re.MatchString(value) {
		return fail(fieldName, value,
			fmt.Sprintf("Invalid %s format.", display),
			fmt.Sprintf("Please provide a valid %s that matches the %s pattern.", display, patternName),
			ValidationCodeInvalid,
		)
	}
	return pass(fieldName, value)
}
