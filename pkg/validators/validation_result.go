package validators

import (
	"strings"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// ValidationCode classifies the outcome of a single field check.
type ValidationCode string

const (
	ValidationCodeUnspecified ValidationCode = "unspecified"
	ValidationCodeSuccess     ValidationCode = "success"
	ValidationCodeRequired    ValidationCode = "required"
	ValidationCodeInvalid     ValidationCode = "invalid"
)

// ValidationOption customizes a ValidationResult.
type ValidationOption func(*ValidationResult)

// ValidationResult is the outcome of validating one field. Value holds the
// checked input for display and must already be masked for secrets.
type ValidationResult struct {
	IsValid         bool           `json:"is_valid"`
	FieldName       string         `json:"field_name"`
	Value           string         `json:"value"`
	Message         string         `json:"message"`
	SuggestedAction string         `json:"suggested_action"`
	ValidationCode  ValidationCode `json:"validation_code"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// FieldValidations groups validation results by field name.
type FieldValidations struct {
	FieldName   string              `json:"field_name"`
	Validations []*ValidationResult `json:"validations"`
}

// HasValidations reports whether any checks ran for this field.
func (f *FieldValidations) HasValidations() bool {
	return len(f.Validations) > 0
}

// HasErrors reports whether any check for this field failed.
func (f *FieldValidations) HasErrors() bool {
	for _, validation := range f.Validations {
		if !validation.IsValid {
			return true
		}
	}
	return false
}

// FieldValidationResults is a collection of field validations.
type FieldValidationResults []*FieldValidations

// GetFieldValidations returns the validations recorded for fieldName, or an
// empty group when the field was never checked.
func (f FieldValidationResults) GetFieldValidations(fieldName string) *FieldValidations {
	for _, fieldValidation := range f {
		if fieldValidation.FieldName == fieldName {
			return fieldValidation
		}
	}
	return &FieldValidations{FieldName: fieldName, Validations: []*ValidationResult{}}
}

// HasErrors reports whether any field failed validation.
func (f FieldValidationResults) HasErrors() bool {
	for _, fieldValidation := range f {
		if fieldValidation.HasErrors() {
			return true
		}
	}
	return false
}

// Err folds all failures into a single business-rule rejection, or nil when
// every check passed. The error code is the first failure's code and the
// message joins one line per failed field.
func (f FieldValidationResults) Err() error {
	var code ValidationCode
	var lines []string
	for _, fieldValidation := range f {
		for _, vr := range fieldValidation.Validations {
			if vr.IsValid {
				continue
			}
			if code == "" {
				code = vr.ValidationCode
			}
			lines = append(lines, vr.FieldName+": "+vr.Message)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return eventsourcing.NewDomainError(string(code), strings.Join(lines, "; "))
}

// WithValue sets the display value.
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = value
	}
}

// WithMessage sets the validation message.
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Message = message
	}
}

// WithSuggestedAction sets the suggested remediation shown to the caller.
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.SuggestedAction = action
	}
}

// WithMaskedValue sets the display value with all but the last four
// characters masked.
func WithMaskedValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = MaskString(value)
	}
}

// WithValidationCode sets the validation code.
func WithValidationCode(code ValidationCode) ValidationOption {
	return func(vr *ValidationResult) {
		vr.ValidationCode = code
	}
}

// WithMetadata adds a metadata entry.
func WithMetadata(key string, value any) ValidationOption {
	return func(vr *ValidationResult) {
		if vr.Metadata == nil {
			vr.Metadata = make(map[string]any)
		}
		vr.Metadata[key] = value
	}
}

// WithMetadataMap adds multiple metadata entries.
func WithMetadataMap(metadata map[string]any) ValidationOption {
	return func(vr *ValidationResult) {
		if vr.Metadata == nil {
			vr.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			vr.Metadata[k] = v
		}
	}
}

// NewValidationResult creates a ValidationResult and applies options.
func NewValidationResult(isValid bool, fieldName string, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:        isValid,
		FieldName:      fieldName,
		ValidationCode: ValidationCodeUnspecified,
		Metadata:       make(map[string]any),
	}
	for _, option := range options {
		option(vr)
	}
	return vr
}

// pass records a successful check for fieldName.
func pass(fieldName, value string) *ValidationResult {
	return NewValidationResult(true, fieldName,
		WithValue(value),
		WithValidationCode(ValidationCodeSuccess),
	)
}

// fail records a failed check together with a remediation hint.
func fail(fieldName, value, message, action string, code ValidationCode) *ValidationResult {
	return NewValidationResult(false, fieldName,
		WithValue(value),
		WithMessage(message),
		WithSuggestedAction(action),
		WithValidationCode(code),
	)
}

// GetMetadata returns a metadata value by key.
func (vr *ValidationResult) GetMetadata(key string) (any, bool) {
	if vr.Metadata == nil {
		return nil, false
	}
	value, exists := vr.Metadata[key]
	return value, exists
}

// SetMetadata sets a metadata value by key.
func (vr *ValidationResult) SetMetadata(key string, value any) {
	if vr.Metadata == nil {
		vr.Metadata = make(map[string]any)
	}
	vr.Metadata[key] = value
}

// Err converts a failed result into a business-rule rejection, or nil when
// the result is valid.
func (vr *ValidationResult) Err() error {
	if vr.IsValid {
		return nil
	}
	return eventsourcing.NewDomainError(string(vr.ValidationCode), vr.FieldName+": "+vr.Message)
}

// ValidationBuilder accumulates validation results across fields.
type ValidationBuilder struct {
	order   []string
	results map[string][]*ValidationResult
}

// NewValidationBuilder creates an empty builder.
func NewValidationBuilder() *ValidationBuilder {
	return &ValidationBuilder{
		results: make(map[string][]*ValidationResult),
	}
}

// Add records a validation result, applying any extra options first.
func (b *ValidationBuilder) Add(result *ValidationResult, options ...ValidationOption) *ValidationBuilder {
	for _, option := range options {
		option(result)
	}
	if _, seen := b.results[result.FieldName]; !seen {
		b.order = append(b.order, result.FieldName)
	}
	b.results[result.FieldName] = append(b.results[result.FieldName], result)
	return b
}

// Build returns all validation results grouped by field, in the order the
// fields were first added.
func (b *ValidationBuilder) Build() FieldValidationResults {
	fieldValidations := make(FieldValidationResults, 0, len(b.order))
	for _, fieldName := range b.order {
		fieldValidations = append(fieldValidations, &FieldValidations{
			FieldName:   fieldName,
			Validations: b.results[fieldName],
		})
	}
	return fieldValidations
}

// BuildErrors returns only the fields that failed validation.
func (b *ValidationBuilder) BuildErrors() FieldValidationResults {
	fieldValidations := make(FieldValidationResults, 0)
	for _, fieldName := range b.order {
		var errorResults []*ValidationResult
		for _, result := range b.results[fieldName] {
			if !result.IsValid {
				errorResults = append(errorResults, result)
			}
		}
		if len(errorResults) > 0 {
			fieldValidations = append(fieldValidations, &FieldValidations{
				FieldName:   fieldName,
				Validations: errorResults,
			})
		}
	}
	return fieldValidations
}
