package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	now := time.Unix(1760000000, 0)
	limiter := NewLimiter(client, "si:", time.Minute, 2).WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip:a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "ip:a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, err = limiter.Allow(ctx, "ip:a")
	require.NoError(t, err)
	assert.True(t, ok)
}
