// Package validation wires go-playground/validator into echo and converts
// field failures into apperr validation errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/healthops/healthops/internal/platform/apperr"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// permissionPattern accepts "<resource>:<action>" and "<resource>.<action>".
var permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*[:.][a-z][a-z0-9_]*$`)

// PermissionName reports whether s is a well-formed permission name.
func PermissionName(s string) bool {
	return permissionPattern.MatchString(s)
}

// Get returns the shared validator instance with custom tags registered:
//
//	permission - a "<resource>:<action>" or "<resource>.<action>" name
//	hhmm       - a 24h "HH:MM" clock time
//	iana_tz    - an IANA zone name loadable by time.LoadLocation
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report json names so messages match the request body.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})

		_ = validate.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
			return PermissionName(fl.Field().String())
		})
		_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := time.Parse("15:04", fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("iana_tz", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			if name == "" {
				return false
			}
			_, err := time.LoadLocation(name)
			return err == nil
		})
	})
	return validate
}

// Struct validates s and returns an *apperr.Error of kind validation listing
// every failing field, or nil.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Validationf("invalid request: %v", err)
	}

	out := &apperr.Error{Kind: apperr.KindValidation}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := translate(fe)
		out.Fields = append(out.Fields, apperr.FieldError{Field: fieldPath(fe), Message: msg})
		messages = append(messages, msg)
	}
	out.Message = strings.Join(messages, "; ")
	return out
}

// fieldPath drops the top-level struct name from the namespace so nested
// fields read "time_window.start".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

var messageTemplates = map[string]string{
	"required":   "%s is required",
	"uuid":       "%s must be a valid UUID",
	"email":      "%s must be a valid email address",
	"permission": "%s must look like resource:action",
	"hhmm":       "%s must be a time in HH:MM format",
	"iana_tz":    "%s must be an IANA time zone name",
}

var messageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
}

func translate(fe validator.FieldError) string {
	field := fieldPath(fe)
	if tmpl, ok := messageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := messageWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field, fe.Param())
	}

	isString := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s item(s)", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// EchoValidator adapts the shared validator to echo.Validator so handlers can
// call c.Validate(&req).
type EchoValidator struct{}

func (EchoValidator) Validate(i any) error {
	return Struct(i)
}
