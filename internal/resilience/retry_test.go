package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"wrapped transient", NewTransientError(errors.New("boom"), 503), true},
		{"rate limit message", errors.New("anthropic: rate limit exceeded"), true},
		{"overloaded message", errors.New("API overloaded, try again"), true},
		{"status 529", errors.New("request failed with status 529"), true},
		{"auth failure", errors.New("invalid api key"), false},
		{"validation failure", errors.New("missing required field period"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestDoVal_SucceedsFirstTry(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetryConfig(3), "test", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, calls)
}

func TestDoVal_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetryConfig(3), "test", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("overloaded"), 529)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_NonTransientFailsImmediately(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetryConfig(3), "test", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("invalid api key")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetryConfig(2), "test", func(ctx context.Context) (string, error) {
		calls++
		return "", NewTransientError(errors.New("status 503"), 503)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var te *TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 503, te.StatusCode)
}

func TestDoVal_CanceledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := DoVal(ctx, fastRetryConfig(5), "test", func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", NewTransientError(errors.New("status 500"), 500)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, backoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, backoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, backoff(2, cfg))
	assert.Equal(t, time.Second, backoff(5, cfg))
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFraction: 0.25,
	}

	for i := 0; i < 50; i++ {
		d := backoff(0, cfg)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
