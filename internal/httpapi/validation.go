package httpapi

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"replenish/backend/internal/domain"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := domain.ParseWeekday(fl.Field().String())
		return ok
	})
	return v
}

// validationErrorFields maps each failing JSON field to a readable message.
func validationErrorFields(err error) map[string]string {
	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			fields[e.Namespace()] = formatValidationError(e)
		}
	}

	return fields
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + e.Param() + " element(s)"
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "weekday":
		return "must be a weekday name"
	default:
		return "is invalid"
	}
}
