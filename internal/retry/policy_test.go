package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bob-contactsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Default().WithAttempts(3, time.Millisecond)
}

func TestPolicy_AlwaysFailingAttemptsThreeTimes(t *testing.T) {
	calls := 0
	var waits []time.Duration
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error, wait time.Duration) { waits = append(waits, wait) }

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("chunk: %w", domain.ErrNetworkFailure)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestPolicy_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return domain.ErrNetworkFailure
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicy_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrUnauthenticated
	})
	assert.True(t, errors.Is(err, domain.ErrUnauthenticated))
	assert.Equal(t, 1, calls)
}

func TestPolicy_CustomRetryable(t *testing.T) {
	calls := 0
	p := fastPolicy()
	p.Retryable = func(error) bool { return true }
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.Equal(t, 3, calls)
}

func TestPolicy_ContextCancelledStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Default().WithAttempts(5, time.Hour)
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return domain.ErrNetworkFailure
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	p := Policy{BaseDelay: time.Millisecond}
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrNetworkFailure
	})
	assert.Equal(t, 1, calls)
}
