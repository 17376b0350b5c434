package envelope

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists the fields of a request that failed validation.
type ValidationError struct {
	// Details holds one "field: tag" entry per failed constraint, sorted.
	Details []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Details, "; ")
}

// Validator checks decoded requests against their `validate` struct tags.
// Field names in errors follow the json tags so callers see the keys they
// sent.
type Validator struct {
	validate *validator.Validate
}

// NewValidator returns a Validator reporting json field names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &Validator{validate: v}
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return field.Name
	default:
		return name
	}
}

// Validate checks value, which must be a struct or a pointer to one. Constraint
// failures are returned as *ValidationError; anything else means
// value could not be validated at all.
func (v *Validator) Validate(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, describe(fe))
	}
	sort.Strings(details)
	return &ValidationError{Details: details}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	// Drop the struct type name so nested fields read like json paths.
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: %s", field, fe.Tag())
}
