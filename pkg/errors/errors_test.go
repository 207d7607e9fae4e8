package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DatabaseError
		expected string
	}{
		{
			name: "error without cause",
			err: &DatabaseError{
				Code:    CodeAccessDenied,
				Message: "access denied for user",
			},
			expected: "ACCESS_DENIED: access denied for user",
		},
		{
			name: "error with cause",
			err: &DatabaseError{
				Code:    CodeConnectionRefused,
				Message: "cannot reach server",
				Cause:   fmt.Errorf("dial tcp: connection refused"),
			},
			expected: "CONNECTION_REFUSED: cannot reach server (caused by: dial tcp: connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestDatabaseError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &DatabaseError{
		Code:    CodeQueryFailed,
		Message: "query failed",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, &DatabaseError{Code: CodeQueryFailed}))
}

func TestDatabaseError_Is(t *testing.T) {
	err1 := &DatabaseError{Code: CodePoolNotFound, Message: "no pool"}
	err2 := &DatabaseError{Code: CodePoolNotFound, Message: "different message"}
	err3 := &DatabaseError{Code: CodePoolClosed, Message: "closed"}
	stdErr := fmt.Errorf("standard error")

	assert.True(t, err1.Is(err2))
	assert.False(t, err1.Is(err3))
	assert.False(t, err1.Is(stdErr))
	assert.True(t, errors.Is(err1, ErrPoolNotFound))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))

	cause := fmt.Errorf("boom")
	err := Wrap(cause, CodeTransportStale, "session expired")
	assert.Equal(t, CodeTransportStale, err.Code)
	assert.Equal(t, cause, err.Cause)
	assert.True(t, errors.Is(err, ErrTransportStale))
}

func TestWithDetail(t *testing.T) {
	err := New(CodeOperationTimeout, "operation timed out").
		WithDetail("kind", "query").
		WithDetail("budget_ms", 30000)

	assert.Equal(t, "query", err.Details["kind"])
	assert.Equal(t, 30000, err.Details["budget_ms"])
}

func TestPredicates(t *testing.T) {
	timeoutErr := New(CodeOperationTimeout, "timed out")
	wrapped := fmt.Errorf("outer: %w", timeoutErr)

	assert.True(t, IsTimeout(timeoutErr))
	assert.True(t, IsTimeout(wrapped))
	assert.False(t, IsTimeout(fmt.Errorf("plain")))

	assert.True(t, IsWritePermission(ErrWritePermission))
	assert.True(t, IsCircuitOpen(New(CodeCircuitOpen, "open")))
	assert.False(t, IsCircuitOpen(timeoutErr))

	assert.Equal(t, CodeAccessDenied, GetCode(New(CodeAccessDenied, "denied")))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("plain")))
}
