package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func bucketFor(t *testing.T, l *limiter, source string) *rate.Limiter {
	t.Helper()
	require.NoError(t, l.wait(context.Background(), source))
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[source]
	require.True(t, ok)
	return bucket
}

func TestLimiterUsesSourceOverrides(t *testing.T) {
	t.Parallel()

	l := newLimiter(2, 4,
		map[string]float64{"siteA": 10},
		map[string]int{"siteA": 1, "siteB": 8},
	)

	siteA := bucketFor(t, l, "siteA")
	require.Equal(t, rate.Limit(10), siteA.Limit())
	require.Equal(t, 1, siteA.Burst())

	siteB := bucketFor(t, l, "siteB")
	require.Equal(t, rate.Limit(2), siteB.Limit())
	require.Equal(t, 8, siteB.Burst())
}

func TestLimiterDefaultsForUnknownSource(t *testing.T) {
	t.Parallel()

	l := newLimiter(3, 2, map[string]float64{"siteA": 10}, map[string]int{"siteA": 1})

	other := bucketFor(t, l, "siteZ")
	require.Equal(t, rate.Limit(3), other.Limit())
	require.Equal(t, 2, other.Burst())
}

func TestLimiterIgnoresNonPositiveOverrides(t *testing.T) {
	t.Parallel()

	l := newLimiter(3, 2, map[string]float64{"siteA": 0}, map[string]int{"siteA": -1})

	bucket := bucketFor(t, l, "siteA")
	require.Equal(t, rate.Limit(3), bucket.Limit())
	require.Equal(t, 2, bucket.Burst())
}
