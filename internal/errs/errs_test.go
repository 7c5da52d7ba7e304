package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassAndCodeSurviveWrapping(t *testing.T) {
	inner := New(Conflict, "version_mismatch", "row moved underneath")
	outer := fmt.Errorf("saving rule: %w", inner)

	assert.Equal(t, Conflict, ClassOf(outer))
	assert.Equal(t, "version_mismatch", CodeOf(outer))
	assert.True(t, errors.Is(outer, ErrConflict))
	assert.False(t, errors.Is(outer, ErrValidation))
}

func TestUnclassifiedErrorsDefaultToDependency(t *testing.T) {
	err := errors.New("connection reset")
	assert.Equal(t, Dependency, ClassOf(err))
	assert.Equal(t, "unclassified", CodeOf(err))
	assert.True(t, Retryable(err))
}

func TestRetryableByClass(t *testing.T) {
	assert.True(t, Retryable(New(Conflict, "cas", "contended")))
	assert.True(t, Retryable(New(Dependency, "pg_down", "store unavailable")))
	assert.False(t, Retryable(New(Validation, "bad_input", "rejected")))
	assert.False(t, Retryable(New(Duplicate, "replay", "seen before")))
	assert.False(t, Retryable(New(Fatal, "invariant", "halt")))
}

func TestTagPreservesOriginalForUnwrap(t *testing.T) {
	inner := New(Timeout, "deadline", "budget exhausted")
	tagged := Tag(inner, "shortsell", "ord-1", "evt-9")

	assert.Equal(t, Timeout, ClassOf(tagged))
	assert.True(t, errors.Is(tagged, ErrTimeout))
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultBackoffConfig(), func() error {
		attempts++
		return New(Validation, "bad_input", "never retry this")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 3, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, Factor: 2}
	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return New(Dependency, "down", "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "initial try plus MaxRetries")
}

func TestRetrySucceedsMidway(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 5, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, Factor: 2}
	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return New(Conflict, "cas", "contended")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Factor: 2}
	assert.LessOrEqual(t, cfg.Delay(0), 10*time.Millisecond)
	assert.LessOrEqual(t, cfg.Delay(10), 40*time.Millisecond)
}
