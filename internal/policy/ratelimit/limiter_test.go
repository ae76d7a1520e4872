package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterPacesRequestsPerKey(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "drive.google.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "drive.google.com"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Another key has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "other"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabledWhenRateNotPositive(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.Equal(t, rate.Inf, l.Limit("anything"))
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "anything"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterKeyOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 100, Keys: map[string]float64{" Drive.Google.com ": 2}})
	require.Equal(t, rate.Limit(2), l.Limit("drive.google.com"))
	require.Equal(t, rate.Limit(100), l.Limit("local"))
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow")
	require.Error(t, err)
}
