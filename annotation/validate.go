package annotation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SchemaError reports a payload that does not satisfy its resource shape.
type SchemaError struct {
	Kind   string
	Fields []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, strings.Join(e.Fields, "; "))
}

// IsSchemaError reports whether err carries a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Validate checks a payload before it is written.
func Validate(kind string, payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &SchemaError{Kind: kind, Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return &SchemaError{Kind: kind, Fields: fields}
}
