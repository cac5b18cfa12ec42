// Package validation combines struct-tag validation (go-playground/validator)
// with a fluent accumulator for checks that tags cannot express. Both report
// failures as validation AppErrors.
package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"webhook-rules/internal/common/errors"
)

var eventNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// StructValidator validates structs using `validate` tags. Field names in
// messages come from the json tag.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator creates a validator with the engine's custom tags:
//
//	event_name     upper snake case, e.g. NEW_TIME_ENTRY
//	json_document  empty, or a syntactically valid JSON document
func NewStructValidator() *StructValidator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("event_name", func(fl validator.FieldLevel) bool {
		return eventNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("json_document", func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		return s == "" || json.Valid([]byte(s))
	})

	return &StructValidator{validate: v}
}

// ValidateStruct validates s and returns nil or a validation AppError
func (sv *StructValidator) ValidateStruct(s interface{}) error {
	err := sv.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ValidationError(err.Error())
	}

	messages := make([]string, len(fieldErrors))
	for i, fe := range fieldErrors {
		messages[i] = formatFieldError(fe)
	}
	if len(messages) == 1 {
		return errors.ValidationError(messages[0])
	}
	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func formatFieldError(err validator.FieldError) string {
	field := err.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s", field, err.Param())
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", field, err.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, err.Param())
	case "event_name":
		return fmt.Sprintf("field '%s' must be an upper snake case event name", field)
	case "json_document":
		return fmt.Sprintf("field '%s' must be valid JSON", field)
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", field, err.Tag())
	}
}

var (
	defaultStructValidator *StructValidator
	defaultOnce            sync.Once
)

// ValidateStruct validates s with a shared StructValidator
func ValidateStruct(s interface{}) error {
	defaultOnce.Do(func() {
		defaultStructValidator = NewStructValidator()
	})
	return defaultStructValidator.ValidateStruct(s)
}

// Validator accumulates validation errors
type Validator struct {
	errors []string
	prefix string
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// NewValidatorWithPrefix creates a new validator with a prefix for error messages
func NewValidatorWithPrefix(prefix string) *Validator {
	return &Validator{prefix: prefix}
}

// RequireString validates that a string is not blank
func (v *Validator) RequireString(value, name string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.addError("%s is required", name)
	}
	return v
}

// RequireOneOf validates that a value is one of the allowed values
func (v *Validator) RequireOneOf(value string, allowed []string, name string) *Validator {
	if value == "" {
		v.addError("%s is required", name)
		return v
	}
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.addError("%s must be one of: %s", name, strings.Join(allowed, ", "))
	return v
}

// RequireRange validates that a value is within a range
func (v *Validator) RequireRange(value, min, max int, name string) *Validator {
	if value < min || value > max {
		v.addError("%s must be between %d and %d", name, min, max)
	}
	return v
}

// RequireJSON validates that a non-blank value parses as JSON
func (v *Validator) RequireJSON(value, name string) *Validator {
	if strings.TrimSpace(value) != "" && !json.Valid([]byte(value)) {
		v.addError("%s must be valid JSON", name)
	}
	return v
}

// Validate runs a custom validation function
func (v *Validator) Validate(fn func() error) *Validator {
	if err := fn(); err != nil {
		v.addError("%s", err.Error())
	}
	return v
}

// ValidateIf runs a validation function if a condition is true
func (v *Validator) ValidateIf(condition bool, fn func() error) *Validator {
	if condition {
		return v.Validate(fn)
	}
	return v
}

func (v *Validator) addError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if v.prefix != "" {
		msg = fmt.Sprintf("%s: %s", v.prefix, msg)
	}
	v.errors = append(v.errors, msg)
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Error returns nil, or a validation AppError combining every message
func (v *Validator) Error() error {
	switch len(v.errors) {
	case 0:
		return nil
	case 1:
		return errors.ValidationError(v.errors[0])
	default:
		return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(v.errors, "; ")))
	}
}

// Merge merges errors from another validator
func (v *Validator) Merge(other *Validator) *Validator {
	if other != nil {
		v.errors = append(v.errors, other.errors...)
	}
	return v
}
