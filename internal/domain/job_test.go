package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed skips processing", StatusPending, StatusCompleted, false},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"completed is terminal", StatusCompleted, StatusFailed, false},
		{"failed is terminal", StatusFailed, StatusProcessing, false},
		{"cancelled is terminal", StatusCancelled, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestTransformOptions_Normalize(t *testing.T) {
	opts := TransformOptions{}.Normalize()
	assert.Equal(t, DefaultWidth, opts.Width)
	assert.Equal(t, DefaultHeight, opts.Height)
	assert.Equal(t, DefaultJobTimeout, opts.Timeout)

	custom := TransformOptions{Width: 512, Height: 512, Timeout: 1}.Normalize()
	assert.Equal(t, 512, custom.Width)
}

func TestClassify(t *testing.T) {
	t.Run("deadline exceeded maps to timeout", func(t *testing.T) {
		e := Classify(fmt.Errorf("transform: %w", context.DeadlineExceeded), 180)
		require.NotNil(t, e)
		assert.Equal(t, KindTimeout, e.Kind)
		assert.Contains(t, e.Message, "180s")
	})

	t.Run("domain error passes through", func(t *testing.T) {
		orig := NewInvalidInput("image exceeds 10MB")
		e := Classify(fmt.Errorf("wrapped: %w", orig), 180)
		assert.Equal(t, KindInvalidInput, e.Kind)
		assert.Equal(t, orig.Message, e.Message)
	})

	t.Run("anything else is external failure", func(t *testing.T) {
		e := Classify(errors.New("upstream 503"), 180)
		assert.Equal(t, KindExternalFailure, e.Kind)
		assert.NotEmpty(t, e.UserHint)
	})
}

func TestNewInsufficientCredit(t *testing.T) {
	e := NewInsufficientCredit(3, 1)
	assert.Equal(t, KindInsufficientCredit, e.Kind)
	assert.Contains(t, e.Message, "3")
	assert.Contains(t, e.Message, "1")
	assert.Contains(t, e.UserHint, "Purchase")
}
