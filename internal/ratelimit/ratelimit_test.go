package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowBurstThenDeny(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(1, 3)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("user-1"))
	require.True(t, l.Allow("user-1"))
	require.True(t, l.Allow("user-1"))
	require.False(t, l.Allow("user-1"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(2, 2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("user-1"))
	require.True(t, l.Allow("user-1"))
	require.False(t, l.Allow("user-1"))

	// 2 tokens/s: half a second buys one request back.
	now = now.Add(500 * time.Millisecond)
	require.True(t, l.Allow("user-1"))
	require.False(t, l.Allow("user-1"))
}

func TestRefillCapsAtBurst(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(10, 2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("user-1"))

	// A long idle period never accumulates past burst.
	now = now.Add(time.Hour)
	require.True(t, l.Allow("user-1"))
	require.True(t, l.Allow("user-1"))
	require.False(t, l.Allow("user-1"))
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(1, 1)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("user-1"))
	require.False(t, l.Allow("user-1"))
	require.True(t, l.Allow("user-2"))
}
