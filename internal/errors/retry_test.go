package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice then succeeds
	var seen []int
	fn := func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("transient error")
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(3), fn)

	// Then: succeeds on the third attempt
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a function that always fails
	attempts := 0
	fn := func(int) error {
		attempts++
		return errors.New("persistent error")
	}

	// When: retrying with two retries
	err := Retry(context.Background(), fastRetry(2), fn)

	// Then: fails with a wrapped error after initial + 2 attempts
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts)
}

func TestRetry_RetryIfStopsOnPermanentError(t *testing.T) {
	// Given: a predicate that only retries availability errors
	cfg := fastRetry(5)
	cfg.RetryIf = IsRetryable
	attempts := 0

	// When: the function returns a validation error
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return ValidationError("bad event", nil)
	})

	// Then: no retry happens and the error is returned as is
	assert.Equal(t, 1, attempts)
	assert.True(t, IsValidation(err))
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a context cancelled during the backoff
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Second

	attempts := 0
	err := Retry(ctx, cfg, func(int) error {
		attempts++
		cancel()
		return errors.New("fail")
	})

	// Then: the context error wins
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetry(2), func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("not yet")
		}
		return "ready", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ready", got)
}
