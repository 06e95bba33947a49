package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrSize             = errors.New("frame too large")
	ErrMalformed        = errors.New("malformed envelope")
	ErrSignatureInvalid = errors.New("signature invalid")
)

// ValidationError reports a field that is missing or out of range. It is the
// caller's fault and must not be retried unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SizeError reports an encoding that does not fit in a single frame.
type SizeError struct {
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("encoded size %d exceeds limit %d", e.Size, e.Limit)
}

func (e *SizeError) Is(target error) bool { return target == ErrSize }

// MalformedError reports bytes that cannot be turned into a record.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed envelope: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func malformed(reason string, err error) error {
	return &MalformedError{Reason: reason, Err: err}
}
