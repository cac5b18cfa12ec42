package signature

import (
	"fmt"
	"net/http"
)

// VerificationError represents a signature verification failure together with
// the HTTP status it maps to
type VerificationError struct {
	Status  int
	Message string
	Header  string
}

func (e VerificationError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("signature verification failed for header %s: %s", e.Header, e.Message)
	}
	return fmt.Sprintf("signature verification failed: %s", e.Message)
}

// NewVerificationError creates a new verification error
func NewVerificationError(status int, header, format string, args ...interface{}) VerificationError {
	return VerificationError{
		Status:  status,
		Header:  header,
		Message: fmt.Sprintf(format, args...),
	}
}

func unauthorized(header, format string, args ...interface{}) VerificationError {
	return NewVerificationError(http.StatusUnauthorized, header, format, args...)
}

func forbidden(header, format string, args ...interface{}) VerificationError {
	return NewVerificationError(http.StatusForbidden, header, format, args...)
}
