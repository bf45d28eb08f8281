package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSpacesCalls(t *testing.T) {
	r := NewRateLimiter(20)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	r := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Wait(ctx))
	cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.Canceled)
}
