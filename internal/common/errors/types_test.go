package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := ValidationError("method not allowed").
		WithCode("RULES.INVALID_ACTION").
		WithContext("method", "DELETE")

	msg := err.Error()
	assert.Contains(t, msg, "validation")
	assert.Contains(t, msg, "method not allowed")
	assert.Contains(t, msg, "code=RULES.INVALID_ACTION")
	assert.Contains(t, msg, "method=DELETE")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := TransientError("api call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cause=connection reset")
}

func TestIsTypeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("saving rule: %w", ValidationErrorf("unknown combinator %q", "XOR"))

	assert.True(t, IsType(wrapped, ErrTypeValidation))
	assert.False(t, IsType(wrapped, ErrTypeAuth))
	assert.False(t, IsType(nil, ErrTypeValidation))
	assert.Equal(t, ErrTypeValidation, GetType(wrapped))
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrorType(""), GetType(nil))
	assert.Equal(t, ErrTypeInternal, GetType(stderrors.New("plain")))
	assert.Equal(t, ErrTypeUnavailable, GetType(UnavailableError("rule store", nil)))
	assert.Equal(t, ErrTypeRateLimit, GetType(RateLimitError("api")))
	assert.Equal(t, ErrTypeNotFound, GetType(NotFoundError("rule")))
	assert.Equal(t, ErrTypeAuth, GetType(AuthError("bad signature")))
	assert.Equal(t, ErrTypeInternal, GetType(InternalError("oops", nil)))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{ValidationError("bad rule"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", NotFoundError("rule")), http.StatusNotFound},
		{AuthError("no token"), http.StatusUnauthorized},
		{RateLimitError("ip"), http.StatusTooManyRequests},
		{TransientError("api down", nil), http.StatusBadGateway},
		{UnavailableError("rule store", nil), http.StatusServiceUnavailable},
		{stderrors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err))
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "rule not found", PublicMessage(NotFoundError("rule")))
	assert.Equal(t, "internal server error", PublicMessage(InternalError("db password leaked", nil)))
	assert.Equal(t, "internal server error", PublicMessage(stderrors.New("raw")))
}
