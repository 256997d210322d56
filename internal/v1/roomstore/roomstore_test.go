package roomstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
)

const testLease = 10 * time.Second

// backendPair is two store instances sharing one backing state, standing in
// for two server nodes.
type backendPair struct {
	a, b  RoomStore
	clock *clocktesting.FakeClock
}

// backends lists the store implementations under test. Every test in this
// file runs against both.
var backends = map[string]func(t *testing.T) backendPair{
	"memory": func(t *testing.T) backendPair {
		fc := clocktesting.NewFakeClock(time.Now())
		storage := NewMemoryStorage()
		return backendPair{
			a:     NewMemoryRoomStoreWithClock(storage, fc, testLease),
			b:     NewMemoryRoomStoreWithClock(storage, fc, testLease),
			clock: fc,
		}
	},
	"redis": func(t *testing.T) backendPair {
		mr := miniredis.RunT(t)
		fc := clocktesting.NewFakeClock(time.Now())
		newClient := func() *redis.Client {
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return client
		}
		return backendPair{
			a:     NewRedisRoomStoreWithClock(newClient(), fc, testLease),
			b:     NewRedisRoomStoreWithClock(newClient(), fc, testLease),
			clock: fc,
		}
	},
}

func forEachBackend(t *testing.T, run func(t *testing.T, pair backendPair)) {
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			run(t, build(t))
		})
	}
}

func testToken(id string) game.Token {
	return game.Token{
		ID:       id,
		Type:     game.TokenTypeCharacter,
		Contents: game.IconContents("knight"),
		StartX:   0, StartY: 0, StartZ: 0,
		EndX: 1, EndY: 1, EndZ: 1,
	}
}

func replaceWith(entities ...game.Entity) MutateFunc {
	return func([]game.Entity) (MutationResult, error) {
		return MutationResult{Entities: entities}, nil
	}
}

func testRequest(id string) api.Request {
	return api.Request{RequestID: id, Updates: []api.Update{
		{Action: api.ActionDelete, TokenID: "whatever"},
	}}
}

func recvMutation(t *testing.T, feed *ChangeFeed) CommittedMutation {
	t.Helper()
	select {
	case mutation, ok := <-feed.Changes():
		require.True(t, ok, "feed closed unexpectedly")
		return mutation
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a committed mutation")
		return CommittedMutation{}
	}
}

func drainFeed(feed *ChangeFeed) {
	for range feed.Changes() {
	}
}

func TestReadMissingRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		entities, err := pair.a.Read(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, entities)
	})
}

func TestApplyMutationPersists(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		token := testToken("t1")

		result, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("r1"), replaceWith(token))
		require.NoError(t, err)
		assert.Equal(t, []game.Entity{token}, result.Entities)

		// The other node observes the committed state.
		entities, err := pair.b.Read(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, []game.Entity{token}, entities)
	})
}

func TestMutateSeesCurrentEntities(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		first := testToken("t1")
		_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("r1"), replaceWith(first))
		require.NoError(t, err)

		var seen []game.Entity
		_, err = pair.b.ApplyMutation(ctx, "room-1", testRequest("r2"),
			func(current []game.Entity) (MutationResult, error) {
				seen = current
				return MutationResult{Entities: append(current, testToken("t2"))}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, []game.Entity{first}, seen)
	})
}

func TestForEachRoomID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		for _, roomID := range []string{"room-b", "room-a", "room-c"} {
			_, err := pair.a.ApplyMutation(ctx, roomID, testRequest("r"), replaceWith(testToken("t")))
			require.NoError(t, err)
		}

		var ids []string
		err := pair.b.ForEachRoomID(ctx, func(roomID string) error {
			ids = append(ids, roomID)
			return nil
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"room-a", "room-b", "room-c"}, ids)
	})
}

func TestForEachRoomIDStopsOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("r"), replaceWith(testToken("t")))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = pair.a.ForEachRoomID(ctx, func(string) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestConcurrentMutationFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		entered := make(chan struct{})
		proceed := make(chan struct{})

		done := make(chan error, 1)
		go func() {
			_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("slow"),
				func([]game.Entity) (MutationResult, error) {
					close(entered)
					<-proceed
					return MutationResult{Entities: []game.Entity{testToken("slow")}}, nil
				})
			done <- err
		}()

		<-entered
		// The lock is held, so a second writer fails immediately.
		_, err := pair.b.ApplyMutation(ctx, "room-1", testRequest("fast"), replaceWith(testToken("fast")))
		assert.ErrorIs(t, err, ErrTransactionFailed)

		close(proceed)
		require.NoError(t, <-done)

		entities, err := pair.a.Read(ctx, "room-1")
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, "slow", entities[0].EntityID())
	})
}

func TestExpiredLeaseAbortsCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()

		_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("stalled"),
			func([]game.Entity) (MutationResult, error) {
				pair.clock.Step(testLease + time.Second)
				return MutationResult{Entities: []game.Entity{testToken("late")}}, nil
			})
		assert.ErrorIs(t, err, ErrTransactionFailed)

		// The aborted mutation left no trace.
		entities, err := pair.a.Read(ctx, "room-1")
		require.NoError(t, err)
		assert.Nil(t, entities)
	})
}

func TestMutateErrorReleasesLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		boom := errors.New("mutate exploded")

		_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("bad"),
			func([]game.Entity) (MutationResult, error) {
				return MutationResult{}, boom
			})
		assert.ErrorIs(t, err, boom)

		// The lock was released, so the next writer proceeds.
		_, err = pair.b.ApplyMutation(ctx, "room-1", testRequest("good"), replaceWith(testToken("t")))
		require.NoError(t, err)
	})
}

func TestChangesDeliversCommitsInOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx, cancel := context.WithCancel(context.Background())
		feed, err := pair.a.Changes(ctx, "room-1")
		require.NoError(t, err)
		defer drainFeed(feed)
		defer cancel()

		requestIDs := []string{"r1", "r2", "r3"}
		for _, requestID := range requestIDs {
			_, err := pair.b.ApplyMutation(context.Background(), "room-1",
				testRequest(requestID), replaceWith(testToken(requestID)))
			require.NoError(t, err)
		}

		for _, requestID := range requestIDs {
			mutation := recvMutation(t, feed)
			assert.Equal(t, requestID, mutation.Request.RequestID)
			require.Len(t, mutation.Result.Entities, 1)
			assert.Equal(t, requestID, mutation.Result.Entities[0].EntityID())
		}

		cancel()
		drainFeed(feed)
		assert.NoError(t, feed.Err())
	})
}

func TestChangesStartsFromNow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx := context.Background()
		_, err := pair.a.ApplyMutation(ctx, "room-1", testRequest("old"), replaceWith(testToken("old")))
		require.NoError(t, err)

		feedCtx, cancel := context.WithCancel(ctx)
		feed, err := pair.b.Changes(feedCtx, "room-1")
		require.NoError(t, err)
		defer drainFeed(feed)
		defer cancel()

		_, err = pair.a.ApplyMutation(ctx, "room-1", testRequest("new"), replaceWith(testToken("new")))
		require.NoError(t, err)

		mutation := recvMutation(t, feed)
		assert.Equal(t, "new", mutation.Request.RequestID)
	})
}

func TestChangesFailsWhenFeedTrimmedPastCursor(t *testing.T) {
	mr := miniredis.RunT(t)
	fc := clocktesting.NewFakeClock(time.Now())
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
	writer := NewRedisRoomStoreWithClock(newClient(), fc, testLease)
	reader := NewRedisRoomStoreWithClock(newClient(), fc, testLease)
	ctx := context.Background()

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	feed, err := reader.Changes(feedCtx, "room-1")
	require.NoError(t, err)

	_, err = writer.ApplyMutation(ctx, "room-1", testRequest("r0000"), replaceWith(testToken("t")))
	require.NoError(t, err)
	recvMutation(t, feed)

	// Far more commits than the stream cap and the feed buffer together can
	// hold, with nobody draining: the stream trims past the stalled cursor.
	for i := 1; i <= 2000; i++ {
		_, err := writer.ApplyMutation(ctx, "room-1",
			testRequest(fmt.Sprintf("r%04d", i)), replaceWith(testToken("t")))
		require.NoError(t, err)
	}

	// The feed must refuse to resume over the gap rather than skip it.
	drainFeed(feed)
	require.Error(t, feed.Err())
	assert.Contains(t, feed.Err().Error(), "trimmed")
}

func TestChangesCarriesResponses(t *testing.T) {
	forEachBackend(t, func(t *testing.T, pair backendPair) {
		ctx, cancel := context.WithCancel(context.Background())
		feed, err := pair.a.Changes(ctx, "room-1")
		require.NoError(t, err)
		defer drainFeed(feed)
		defer cancel()

		responses := []api.Response{
			api.NewErrorResponse("nope", "r1", "sess-1"),
			api.NewStateResponse([]game.Entity{testToken("t1")}, "r1"),
		}
		_, err = pair.b.ApplyMutation(context.Background(), "room-1", testRequest("r1"),
			func([]game.Entity) (MutationResult, error) {
				return MutationResult{
					Entities:  []game.Entity{testToken("t1")},
					Responses: responses,
				}, nil
			})
		require.NoError(t, err)

		mutation := recvMutation(t, feed)
		assert.Equal(t, responses, mutation.Result.Responses)
	})
}
