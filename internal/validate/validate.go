// Package validate checks struct tags with go-playground/validator and reports the first
// failure as an errs.ValidationError.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/and161185/taxi-session/internal/errs"
)

var v = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their json names, the keys the records use.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Struct validates s and returns the first failing field, in declaration order.
func Struct(s any) error {
	return convert("", v.Struct(s))
}

// Var validates a single value under the given field name.
func Var(field string, value any, tag string) error {
	return convert(field, v.Var(value, tag))
}

func convert(field string, err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return err
	}
	fe := ves[0]
	if field == "" {
		field = fe.Field()
	}
	ve := &errs.ValidationError{Field: field, Message: message(fe)}
	if fe.Tag() == "email" {
		ve.Err = errs.ErrInvalidEmail
	}
	return ve
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank", "required_with":
		return "required"
	case "email":
		return "not a valid e-mail address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "excluded_with":
		return "cannot be combined with " + strings.ToLower(fe.Param())
	default:
		return "invalid value"
	}
}
