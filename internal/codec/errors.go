package codec

import (
	"errors"
	"fmt"
)

var (
	ErrMissingRequiredField = errors.New("missing required field")
	ErrMalformedMetadata    = errors.New("malformed metadata")
	ErrInvalidEnumValue     = errors.New("invalid enum value")
	// ErrInvalidTimestamp is reported for dates outside the fixed format or
	// range. It also matches ErrMalformedMetadata.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// DecodeError describes why a document could not become a record. Kind is one
// of the sentinel errors above so callers can use errors.Is.
type DecodeError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Detail)
}

func (e *DecodeError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrInvalidTimestamp && target == ErrMalformedMetadata
}

func malformed(field, detail string) error {
	return &DecodeError{Kind: ErrMalformedMetadata, Field: field, Detail: detail}
}

func missing(field string) error {
	return &DecodeError{Kind: ErrMissingRequiredField, Field: field, Detail: "absent or empty"}
}
