package insight

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/HerbHall/carbonsight/pkg/analytics"
	"github.com/go-playground/validator/v10"
)

// requestValidator checks request structs against their validate tags and
// reports failures using JSON field names.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

// Struct validates s and converts the first failure into an
// *analytics.Error with code validation_error.
func (rv *requestValidator) Struct(s any) error {
	err := rv.v.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return analytics.NewValidationError("request", err.Error())
	}
	fe := validationErrors[0]
	return analytics.NewValidationError(fieldPath(fe), formatValidationError(fe))
}

// fieldPath strips the struct name from the namespace: "AnalyticsQuery.filters[0].tag"
// becomes "filters[0].tag".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
