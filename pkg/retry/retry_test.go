package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDial      = errors.New("dial refused")
	errForbidden = errors.New("forbidden")
)

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errDial)
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errDial
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return errDial
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, 3, attempts)
}

func TestDo_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errDial
	})

	assert.Equal(t, errDial, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 10
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		return errDial
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestDo_NonRetryableError(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{errForbidden}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errForbidden
	})

	assert.ErrorIs(t, err, errForbidden)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetryableList(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []error{errDial}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errForbidden
	})

	assert.ErrorIs(t, err, errForbidden)
	assert.Equal(t, 1, attempts)
}

func TestDo_Permanent(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return Permanent(errForbidden)
	})

	assert.Equal(t, errForbidden, err)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, Permanent(nil))
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errDial
		}
		return "connected", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "connected", got)

	_, err = DoWithResult(context.Background(), fastConfig(), func(context.Context) (int, error) {
		return 0, errDial
	})
	assert.ErrorIs(t, err, errDial)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}
