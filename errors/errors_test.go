package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"config not found is fatal", ErrConfigNotFound, ErrorFatal},
		{"inactive config is fatal", ErrConfigInactive, ErrorFatal},
		{"missing checksum is fatal", ErrMissingChecksum, ErrorFatal},
		{"invalid payload is invalid", ErrInvalidPayload, ErrorInvalid},
		{"chain cycle is invalid", ErrChainCycle, ErrorInvalid},
		{"run timeout is transient", ErrRunTimeout, ErrorTransient},
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"queue unavailable is transient", ErrQueueUnavailable, ErrorTransient},
		{"unknown error defaults to transient", stderrors.New("boom"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_WrappedErrors(t *testing.T) {
	// Classification must survive fmt.Errorf wrapping
	err := fmt.Errorf("worker: %w", ErrConfigNotFound)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))

	err = fmt.Errorf("dispatcher: %w", ErrInvalidPayload)
	assert.True(t, IsInvalid(err))
}

func TestWrapTransient(t *testing.T) {
	base := stderrors.New("fetch failed")
	err := WrapTransient(base, "Worker", "Process", "claim file")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "Worker.Process")
	assert.Contains(t, err.Error(), "claim file failed")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapFatal(t *testing.T) {
	err := WrapFatal(ErrConfigInactive, "Worker", "Process", "resolve config")

	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.True(t, stderrors.Is(err, ErrConfigInactive))
}

func TestWrapInvalid(t *testing.T) {
	err := WrapInvalid(ErrInvalidData, "Runner", "Run", "parse payload")

	assert.True(t, IsInvalid(err))
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
}

func TestIsTransient_ContextDeadline(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("service temporarily unavailable")))
	assert.False(t, IsTransient(stderrors.New("no such processor")))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := stderrors.New("inner")
	wrapped := WrapTransient(base, "Queue", "Claim", "fetch")

	var ce *ClassifiedError
	require.True(t, stderrors.As(wrapped, &ce))
	assert.Equal(t, "Queue", ce.Component)
	assert.Equal(t, "Claim", ce.Operation)
	assert.True(t, stderrors.Is(ce.Unwrap(), base))
}
