package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeExhaustsBucket(t *testing.T) {
	l := New(Config{RequestsPerMinute: 3, QueryCost: 1})
	defer l.Stop()

	require.True(t, l.take("1.2.3.4", 1))
	require.True(t, l.take("1.2.3.4", 1))
	require.True(t, l.take("1.2.3.4", 1))
	require.False(t, l.take("1.2.3.4", 1))
}

func TestTakeKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1})
	defer l.Stop()

	require.True(t, l.take("1.2.3.4", 1))
	require.False(t, l.take("1.2.3.4", 1))
	require.True(t, l.take("5.6.7.8", 1))
}

func TestQueryCostDrainsFaster(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6, QueryCost: 3})
	defer l.Stop()

	require.True(t, l.take("1.2.3.4", 3))
	require.True(t, l.take("1.2.3.4", 3))
	require.False(t, l.take("1.2.3.4", 3))
	// A cheap read still fails once the bucket is empty.
	require.False(t, l.take("1.2.3.4", 1))
}
