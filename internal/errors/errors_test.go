package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageWithCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := TransportError("dial failed", cause)

	assert.Equal(t, "transport: dial failed: connection refused", err.Error())
}

func TestError_MessageWithoutCause(t *testing.T) {
	err := ProtocolError("no session established", nil)

	assert.Equal(t, "protocol: no session established", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := AuthorizationError("refresh failed", cause)

	assert.ErrorIs(t, err, cause)
}

func TestError_UnwrapThroughWrapping(t *testing.T) {
	cause := stderrors.New("boom")
	err := fmt.Errorf("manage loop: %w", AuthorizationError("validation failed", cause))

	var structured *Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, TypeAuthorization, structured.Type)
	assert.ErrorIs(t, err, cause)
}

func TestWithContext(t *testing.T) {
	err := PartialError("join incomplete", stderrors.New("http 500")).
		WithContext("channel", "abc").
		WithContext("event_type", "channel.chat.notification")

	assert.Equal(t, "abc", err.Context["channel"])
	assert.Equal(t, "channel.chat.notification", err.Context["event_type"])
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(TransportError("x", nil), TypeTransport))
	assert.False(t, IsType(TransportError("x", nil), TypeProtocol))
	assert.False(t, IsType(stderrors.New("plain"), TypeTransport))
	assert.False(t, IsType(nil, TypeTransport))
}

func TestClassificationHelpers(t *testing.T) {
	assert.True(t, IsAuthorization(AuthorizationError("dead token", nil)))
	assert.False(t, IsAuthorization(ProtocolError("bad frame", nil)))
	assert.False(t, IsAuthorization(fmt.Errorf("wrapped: %w", TransportError("reset", nil))))
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("structured passes through", func(t *testing.T) {
		orig := PartialError("leave incomplete", nil)
		assert.Same(t, orig, AsStructuredError(orig))
	})

	t.Run("wrapped structured is found", func(t *testing.T) {
		orig := TransportError("reset", nil)
		got := AsStructuredError(fmt.Errorf("outer: %w", orig))
		assert.Same(t, orig, got)
	})

	t.Run("plain error becomes protocol", func(t *testing.T) {
		got := AsStructuredError(stderrors.New("plain"))
		assert.Equal(t, TypeProtocol, got.Type)
	})
}
