package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"validation is invalid", ErrValidation, ErrorInvalid},
		{"unknown component is invalid", ErrUnknownComponent, ErrorInvalid},
		{"transport timeout is transient", ErrTransportTimeout, ErrorTransient},
		{"processing is transient", ErrProcessing, ErrorTransient},
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"deadline exceeded is transient", context.DeadlineExceeded, ErrorTransient},
		{"retries exceeded is fatal", ErrMaxRetriesExceeded, ErrorFatal},
		{"unknown errors default transient", stderrors.New("boom"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrapped(t *testing.T) {
	// Classification must survive fmt.Errorf wrapping.
	err := fmt.Errorf("drain: %w", ErrValidation)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("connection refused")
	err := Wrap(base, "Pipeline", "Submit", "enqueue message")
	require.Error(t, err)
	assert.Equal(t, "Pipeline.Submit: enqueue message failed: connection refused", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassifiedWrapping(t *testing.T) {
	base := stderrors.New("bucket missing")
	err := WrapFatal(base, "Snapshot", "Load", "open bucket")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "Snapshot", ce.Component)
	assert.True(t, IsFatal(err))
	assert.True(t, stderrors.Is(err, base))
}
