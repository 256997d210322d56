package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:      2,
		MaxUsersPerRoom:          3,
		MaxRoomsPerDay:           2,
		ServerLivenessExpiration: 60 * time.Second,
	}
}

// limiters under test; both backends must behave identically for the basic
// quota paths.
func forEachLimiter(t *testing.T, run func(t *testing.T, build func(t *testing.T) Limiter)) {
	t.Run("memory", func(t *testing.T) {
		run(t, func(t *testing.T) Limiter {
			return NewMemoryLimiter(testLimits())
		})
	})
	t.Run("redis", func(t *testing.T) {
		run(t, func(t *testing.T) Limiter {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			limiter, err := NewRedisLimiter(client, testLimits())
			require.NoError(t, err)
			require.NoError(t, limiter.RefreshLiveness(context.Background(), nil))
			return limiter
		})
	})
}

func TestConnectionLimitPerIP(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, build func(t *testing.T) Limiter) {
		limiter := build(t)
		ctx := context.Background()

		release1, err := limiter.AcquireConnection(ctx, "1.2.3.4", "room-1")
		require.NoError(t, err)
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-2")
		require.NoError(t, err)

		// Third connection from the same IP is rejected.
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-3")
		assert.ErrorIs(t, err, ErrTooManyConnections)

		// A different IP is unaffected.
		_, err = limiter.AcquireConnection(ctx, "5.6.7.8", "room-1")
		require.NoError(t, err)

		// Releasing frees the slot.
		release1(ctx)
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-3")
		require.NoError(t, err)
	})
}

func TestRoomOccupancyLimit(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, build func(t *testing.T) Limiter) {
		limiter := build(t)
		ctx := context.Background()

		var release ReleaseFunc
		for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			r, err := limiter.AcquireConnection(ctx, ip, "room-1")
			require.NoError(t, err)
			if i == 0 {
				release = r
			}
		}

		_, err := limiter.AcquireConnection(ctx, "10.0.0.4", "room-1")
		assert.ErrorIs(t, err, ErrRoomFull)

		release(ctx)
		_, err = limiter.AcquireConnection(ctx, "10.0.0.4", "room-1")
		require.NoError(t, err)
	})
}

func TestReleaseIsIdempotent(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, build func(t *testing.T) Limiter) {
		limiter := build(t)
		ctx := context.Background()

		release, err := limiter.AcquireConnection(ctx, "1.2.3.4", "room-1")
		require.NoError(t, err)
		release(ctx)
		release(ctx)

		// Double release must not free more than one slot.
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-1")
		require.NoError(t, err)
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-1")
		require.NoError(t, err)
		_, err = limiter.AcquireConnection(ctx, "1.2.3.4", "room-1")
		assert.ErrorIs(t, err, ErrTooManyConnections)
	})
}

func TestRoomsPerDayLimit(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, build func(t *testing.T) Limiter) {
		limiter := build(t)
		ctx := context.Background()

		require.NoError(t, limiter.AcquireNewRoom(ctx, "1.2.3.4"))
		require.NoError(t, limiter.AcquireNewRoom(ctx, "1.2.3.4"))
		assert.ErrorIs(t, limiter.AcquireNewRoom(ctx, "1.2.3.4"), ErrTooManyRoomsCreated)

		// Another client has its own quota.
		require.NoError(t, limiter.AcquireNewRoom(ctx, "5.6.7.8"))
	})
}

func newRedisLimiterPair(t *testing.T) (*miniredis.Miniredis, *RedisLimiter, *RedisLimiter) {
	mr := miniredis.RunT(t)
	newLimiter := func() *RedisLimiter {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		limiter, err := NewRedisLimiter(client, testLimits())
		require.NoError(t, err)
		require.NoError(t, limiter.RefreshLiveness(context.Background(), nil))
		return limiter
	}
	return mr, newLimiter(), newLimiter()
}

func TestCountsAreSharedAcrossServers(t *testing.T) {
	_, a, b := newRedisLimiterPair(t)
	ctx := context.Background()

	_, err := a.AcquireConnection(ctx, "1.2.3.4", "room-1")
	require.NoError(t, err)
	_, err = b.AcquireConnection(ctx, "1.2.3.4", "room-1")
	require.NoError(t, err)

	// The cap counts connections on both servers.
	_, err = a.AcquireConnection(ctx, "1.2.3.4", "room-2")
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestDeadServerCountsAreIgnored(t *testing.T) {
	mr, a, b := newRedisLimiterPair(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.AcquireConnection(ctx, "1.2.3.4", "room-1")
		require.NoError(t, err)
	}
	_, err := b.AcquireConnection(ctx, "1.2.3.4", "room-1")
	assert.ErrorIs(t, err, ErrTooManyConnections)

	// Server a dies: its liveness key expires and its counts stop counting.
	mr.FastForward(testLimits().ServerLivenessExpiration + time.Second)
	require.NoError(t, b.RefreshLiveness(ctx, []string{"1.2.3.4"}))

	_, err = b.AcquireConnection(ctx, "1.2.3.4", "room-1")
	require.NoError(t, err)
}

func TestSweepRemovesDeadServerCounts(t *testing.T) {
	mr, a, b := newRedisLimiterPair(t)
	ctx := context.Background()

	_, err := a.AcquireConnection(ctx, "1.2.3.4", "room-1")
	require.NoError(t, err)

	mr.FastForward(testLimits().ServerLivenessExpiration + time.Second)
	require.NoError(t, b.RefreshLiveness(ctx, nil))
	require.NoError(t, b.Sweep(ctx))

	// The stale field is gone entirely.
	count := mr.HGet(ipConnPrefix+"1.2.3.4", a.ServerID())
	assert.Empty(t, count)
}

func TestRefreshLivenessRewritesHeldIPs(t *testing.T) {
	mr, a, _ := newRedisLimiterPair(t)
	ctx := context.Background()

	require.NoError(t, a.RefreshLiveness(ctx, []string{"1.2.3.4", "5.6.7.8"}))
	members, err := mr.SMembers(liveKeyPrefix + a.ServerID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ServerID(), "1.2.3.4", "5.6.7.8"}, members)

	require.NoError(t, a.RefreshLiveness(ctx, []string{"5.6.7.8"}))
	members, err = mr.SMembers(liveKeyPrefix + a.ServerID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ServerID(), "5.6.7.8"}, members)
}
