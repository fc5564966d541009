package session

import (
	"errors"
	"fmt"
)

// InvalidRequestError marks caller mistakes: unknown or closed sessions,
// conflicting reuse options, concurrent query attempts. These surface to the
// caller unchanged and are never retried server-side.
type InvalidRequestError struct {
	msg string
}

func (e *InvalidRequestError) Error() string {
	return e.msg
}

func invalidRequestf(format string, v ...any) error {
	return &InvalidRequestError{msg: fmt.Sprintf(format, v...)}
}

// InvalidRequestf builds an InvalidRequestError for callers outside the
// package, such as tool parameter validation.
func InvalidRequestf(format string, v ...any) error {
	return invalidRequestf(format, v...)
}

// IsInvalidRequest reports whether err is a caller mistake rather than an
// internal failure.
func IsInvalidRequest(err error) bool {
	var ire *InvalidRequestError
	return errors.As(err, &ire)
}
