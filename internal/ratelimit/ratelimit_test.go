package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	require.Nil(t, New(0, 1, 0))
	require.Nil(t, New(1, 0, 0))
	require.True(t, l.Allow("buyer-1", time.Now()))
	require.Zero(t, l.Len())
}

func TestBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	require.True(t, l.Allow("buyer-1", now))
	require.True(t, l.Allow("buyer-1", now))
	require.False(t, l.Allow("buyer-1", now))
	require.True(t, l.Allow("farmer-1", now))

	require.True(t, l.Allow("buyer-1", now.Add(time.Second)))
	require.True(t, l.Allow("  ", now))
}

func TestIdleBucketsEvicted(t *testing.T) {
	l := New(100, 1000, time.Minute)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	l.Allow("stale", now)
	later := now.Add(2 * time.Minute)
	for i := 0; i < 256; i++ {
		l.Allow("active", later)
	}
	require.Equal(t, 1, l.Len())
}
