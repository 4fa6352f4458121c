package validation

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// ErrorBody is the validation error payload of the messaging boundary.
// Fields is keyed by json field name, each entry listing the rules the
// value broke.
type ErrorBody struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields"`
}

// ErrorResponse converts a validator error into a structured response.
// Non-validator errors (malformed bodies reaching Struct) keep their
// message so the caller can still see what went wrong.
func ErrorResponse(err error) ErrorBody {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrorBody{Error: err.Error(), Fields: map[string][]string{}}
	}
	fields := map[string][]string{}
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fe.Tag())
	}
	return ErrorBody{Error: "validation_failed", Fields: fields}
}
