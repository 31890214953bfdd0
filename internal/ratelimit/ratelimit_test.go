package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketExhaustsAndRefills(t *testing.T) {
	clock := time.Now()
	b := NewBucket(2, time.Second)
	b.now = func() time.Time { return clock }

	require.True(t, b.Allow())
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	clock = clock.Add(time.Second + time.Millisecond)
	require.True(t, b.Allow())
}

func TestRetryBudgetDeniesMutationsByDefault(t *testing.T) {
	rb := NewRetryBudget(10, 0.1, false)
	require.False(t, rb.TryRetry(true))
	require.True(t, rb.TryRetry(false))
}

func TestRetryBudgetAllowsMutationsWhenEnabled(t *testing.T) {
	rb := NewRetryBudget(10, 0.1, true)
	require.True(t, rb.TryRetry(true))
}
