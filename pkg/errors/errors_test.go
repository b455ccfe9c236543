package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"id taken", NewIDTakenError("abc"), ErrCodeIDTaken, http.StatusConflict},
		{"peer unavailable", NewPeerUnavailableError("abc"), ErrCodePeerUnavailable, http.StatusNotFound},
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{"internal", NewInternalError("oops"), ErrCodeInternal, http.StatusInternalServerError},
		{"unavailable", NewServiceUnavailableError("down"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}

	assert.Equal(t, "abc", NewIDTakenError("abc").Context["peer"])
}

func TestGetAppErrorWalksChain(t *testing.T) {
	appErr := NewPeerUnavailableError("p1")
	wrapped := fmt.Errorf("relay offer: %w", appErr)

	assert.Same(t, appErr, GetAppError(wrapped))
	assert.True(t, IsAppError(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodePeerUnavailable))
	assert.False(t, HasCode(wrapped, ErrCodeIDTaken))

	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsAppError(errors.New("plain")))
}
