package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCMicroseconds(t *testing.T) {
	t.Parallel()

	lo := time.Now().Add(-time.Second)
	got := New().Now()
	hi := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.Zero(t, got.Nanosecond()%int(time.Microsecond))
	require.WithinRange(t, got, lo, hi)
}

func TestNowSurvivesRoundTripThroughRFC3339Nano(t *testing.T) {
	t.Parallel()

	got := New().Now()
	parsed, err := time.Parse(time.RFC3339Nano, got.Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.True(t, parsed.Equal(got))
}
