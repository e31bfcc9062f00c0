package record

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks a record rejected before reaching either persistence
// path. It is not retryable until the record is corrected.
var ErrValidation = errors.New("record validation failed")

// ValidationError lists the fields that failed validation, by JSON name.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()

	// Report JSON field names so API clients can map errors to form inputs.
	recordValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks the required fields of a receipt. It should run after
// Prepare so that defaults are in place.
func Validate(r *Record) error {
	var fields []string

	if err := recordValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
	}

	if !r.Quantity.IsPositive() {
		fields = append(fields, "quantity")
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
