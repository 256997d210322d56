package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
	"github.com/boardtop/tokenboard/internal/v1/logging"
)

// RoomKeyPrefix namespaces persisted room values. Exported because the
// offline migration tool rewrites room values in place.
const RoomKeyPrefix = "room:"

const (
	lockKeyPrefix = "room-lock:"
	feedKeyPrefix = "room-feed:"

	feedField = "mutation"

	// feedMaxLen caps each room's stream; subscribers track their cursor and
	// only need entries newer than "shortly before now".
	feedMaxLen = 1024

	feedBlock        = time.Second
	feedReconnectMax = 5
)

// commitScript atomically verifies the lock is still ours, persists the new
// entity list, appends the mutation to the change-feed, and releases the
// lock. Returns 1 on commit, 0 if the lock was lost.
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[2], ARGV[2])
  redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[4], "*", "mutation", ARGV[3])
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// unlockScript releases the lock only if we still hold it (check-and-delete).
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRoomStore implements RoomStore on Redis: entity lists as JSON values,
// advisory locks via SET NX PX with a holder token, and change-feeds as
// per-room streams that every subscribing node tails.
type RedisRoomStore struct {
	client         *redis.Client
	clock          clock.PassiveClock
	lockExpiration time.Duration
}

// NewRedisRoomStore builds a store over the given client.
func NewRedisRoomStore(client *redis.Client) *RedisRoomStore {
	return NewRedisRoomStoreWithClock(client, clock.RealClock{}, DefaultLockExpiration)
}

// NewRedisRoomStoreWithClock injects the clock and lease used for the
// commit-time expiry check, for tests.
func NewRedisRoomStoreWithClock(client *redis.Client, c clock.PassiveClock, lockExpiration time.Duration) *RedisRoomStore {
	return &RedisRoomStore{client: client, clock: c, lockExpiration: lockExpiration}
}

// Read implements RoomStore.
func (s *RedisRoomStore) Read(ctx context.Context, roomID string) ([]game.Entity, error) {
	data, err := s.client.Get(ctx, RoomKeyPrefix+roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read room %s: %w", roomID, err)
	}
	return game.DecodeEntities(data)
}

// ForEachRoomID implements RoomStore using SCAN, so the listing is lazy and
// restartable.
func (s *RedisRoomStore) ForEachRoomID(ctx context.Context, fn func(roomID string) error) error {
	iter := s.client.Scan(ctx, 0, RoomKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(strings.TrimPrefix(iter.Val(), RoomKeyPrefix)); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan room ids: %w", err)
	}
	return nil
}

// ApplyMutation implements RoomStore.
func (s *RedisRoomStore) ApplyMutation(ctx context.Context, roomID string, req api.Request, mutate MutateFunc) (MutationResult, error) {
	holder := uuid.NewString()
	lockKey := lockKeyPrefix + roomID

	acquired, err := s.client.SetNX(ctx, lockKey, holder, s.lockExpiration).Result()
	if err != nil {
		return MutationResult{}, fmt.Errorf("failed to acquire lock for room %s: %w", roomID, err)
	}
	if !acquired {
		return MutationResult{}, ErrTransactionFailed
	}
	acquiredAt := s.clock.Now()

	current, err := s.Read(ctx, roomID)
	if err != nil {
		s.unlock(ctx, lockKey, holder)
		return MutationResult{}, err
	}

	result, err := mutate(current)
	if err != nil {
		s.unlock(ctx, lockKey, holder)
		return MutationResult{}, err
	}

	// The PX expiry on the lock key enforces the lease on the Redis side;
	// this wall-clock check catches a stalled mutate even when clocks drift.
	if s.clock.Now().After(acquiredAt.Add(s.lockExpiration)) {
		s.unlock(ctx, lockKey, holder)
		return MutationResult{}, ErrTransactionFailed
	}

	entities, err := game.EncodeEntities(result.Entities)
	if err != nil {
		s.unlock(ctx, lockKey, holder)
		return MutationResult{}, fmt.Errorf("failed to encode entities for room %s: %w", roomID, err)
	}
	mutation, err := json.Marshal(CommittedMutation{Request: req, Result: result})
	if err != nil {
		s.unlock(ctx, lockKey, holder)
		return MutationResult{}, fmt.Errorf("failed to encode mutation for room %s: %w", roomID, err)
	}

	committed, err := commitScript.Run(ctx, s.client,
		[]string{lockKey, RoomKeyPrefix + roomID, feedKeyPrefix + roomID},
		holder, entities, mutation, feedMaxLen,
	).Int()
	if err != nil {
		return MutationResult{}, fmt.Errorf("failed to commit mutation for room %s: %w", roomID, err)
	}
	if committed != 1 {
		return MutationResult{}, ErrTransactionFailed
	}
	return result, nil
}

func (s *RedisRoomStore) unlock(ctx context.Context, lockKey, holder string) {
	if err := unlockScript.Run(ctx, s.client, []string{lockKey}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		logging.Warn(ctx, "Failed to release room lock", zap.String("key", lockKey), zap.Error(err))
	}
}

// Changes implements RoomStore. The tailer keeps its stream cursor across
// transient disconnects, so a reconnect resumes without loss; only repeated
// failures surface as a feed error.
func (s *RedisRoomStore) Changes(ctx context.Context, roomID string) (*ChangeFeed, error) {
	feedKey := feedKeyPrefix + roomID

	// Start from the current end of the stream so subscribers see "now or
	// shortly before".
	cursor := "0-0"
	last, err := s.client.XRevRangeN(ctx, feedKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to position feed cursor for room %s: %w", roomID, err)
	}
	if len(last) > 0 {
		cursor = last[0].ID
	}

	feed := newChangeFeed(256)
	go s.tail(ctx, roomID, feedKey, cursor, feed)
	return feed, nil
}

func (s *RedisRoomStore) tail(ctx context.Context, roomID, feedKey, cursor string, feed *ChangeFeed) {
	defer close(feed.ch)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		// The stream is capped, so a slow subscriber can fall behind the
		// trim horizon. The cursor always names an entry that existed; if it
		// is gone, entries between it and the current head may be gone too,
		// and resuming would silently skip them.
		if cursor != "0-0" {
			held, err := s.client.XRange(ctx, feedKey, cursor, cursor).Result()
			if err == nil && len(held) == 0 {
				feed.fail(fmt.Errorf("change-feed for room %s was trimmed past cursor %s", roomID, cursor))
				return
			}
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{feedKey, cursor},
			Block:   feedBlock,
			Count:   64,
		}).Result()
		if errors.Is(err, redis.Nil) {
			failures = 0
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures > feedReconnectMax {
				feed.fail(fmt.Errorf("change-feed for room %s lost its connection: %w", roomID, err))
				return
			}
			logging.Warn(ctx, "Change-feed read failed, retrying",
				zap.String("room_id", roomID), zap.Int("attempt", failures), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(failures) * 100 * time.Millisecond):
			}
			continue
		}
		failures = 0

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				cursor = msg.ID
				payload, ok := msg.Values[feedField].(string)
				if !ok {
					feed.fail(fmt.Errorf("change-feed for room %s contains a malformed entry %s", roomID, msg.ID))
					return
				}
				var mutation CommittedMutation
				if err := json.Unmarshal([]byte(payload), &mutation); err != nil {
					feed.fail(fmt.Errorf("change-feed for room %s contains an undecodable entry %s: %w", roomID, msg.ID, err))
					return
				}
				select {
				case feed.ch <- mutation:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
