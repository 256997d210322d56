package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/metrics"
)

const (
	ipConnPrefix   = "conn-ip:"
	roomConnPrefix = "conn-room:"
	liveKeyPrefix  = "server-live:"
)

// acquireScript takes one slot on both counter hashes, or neither. Counts
// tagged with a server whose liveness key is gone are treated as zero, so a
// crashed node never wedges its clients out. Returns 0 on success, 1 when
// the IP cap is hit, 2 when the room is full.
var acquireScript = redis.NewScript(`
local function live_total(key)
  local total = 0
  local counts = redis.call("HGETALL", key)
  for i = 1, #counts, 2 do
    if redis.call("EXISTS", ARGV[4] .. counts[i]) == 1 then
      total = total + tonumber(counts[i + 1])
    end
  end
  return total
end
if live_total(KEYS[1]) >= tonumber(ARGV[2]) then return 1 end
if live_total(KEYS[2]) >= tonumber(ARGV[3]) then return 2 end
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("HINCRBY", KEYS[2], ARGV[1], 1)
return 0
`)

// releaseScript decrements this server's count on both hashes, flooring at
// zero by deleting the field.
var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  local v = redis.call("HINCRBY", key, ARGV[1], -1)
  if v <= 0 then
    redis.call("HDEL", key, ARGV[1])
  end
end
return 0
`)

// RedisLimiter implements Limiter on shared Redis state. Counter hashes are
// keyed by server id; the liveness key doubles as the tombstone check for
// stale counts. A circuit breaker guards every Redis call and the limiter
// fails open while the breaker is open.
type RedisLimiter struct {
	client   *redis.Client
	limits   Limits
	serverID string
	rooms    *limiter.Limiter
	cb       *gobreaker.CircuitBreaker
}

// NewRedisLimiter builds a limiter over the given client.
func NewRedisLimiter(client *redis.Client, limits Limits) (*RedisLimiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "limiter:rooms:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rooms-per-day store: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("ratelimit").Set(stateVal)
		},
	})

	return &RedisLimiter{
		client:   client,
		limits:   limits,
		serverID: uuid.NewString(),
		rooms: limiter.New(store, limiter.Rate{
			Period: 24 * time.Hour,
			Limit:  limits.MaxRoomsPerDay,
		}),
		cb: cb,
	}, nil
}

// AcquireConnection implements Limiter.
func (l *RedisLimiter) AcquireConnection(ctx context.Context, ip, roomID string) (ReleaseFunc, error) {
	keys := []string{ipConnPrefix + ip, roomConnPrefix + roomID}

	res, err := l.cb.Execute(func() (interface{}, error) {
		return acquireScript.Run(ctx, l.client, keys,
			l.serverID, l.limits.MaxConnectionsPerIP, l.limits.MaxUsersPerRoom, liveKeyPrefix,
		).Int()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("ratelimit").Inc()
		}
		logging.Error(ctx, "Rate limiter store failed, allowing connection", zap.Error(err))
		return func(context.Context) {}, nil
	}

	switch res.(int) {
	case 1:
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		return nil, ErrTooManyConnections
	case 2:
		metrics.RateLimitExceeded.WithLabelValues("room").Inc()
		return nil, ErrRoomFull
	}

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() {
			_, err := l.cb.Execute(func() (interface{}, error) {
				return nil, releaseScript.Run(ctx, l.client, keys, l.serverID).Err()
			})
			if err != nil {
				// The sweep reconciles whatever this leaves behind.
				logging.Warn(ctx, "Failed to release connection slots",
					zap.String("ip", ip), zap.Error(err))
			}
		})
	}, nil
}

// AcquireNewRoom implements Limiter.
func (l *RedisLimiter) AcquireNewRoom(ctx context.Context, ip string) error {
	res, err := l.cb.Execute(func() (interface{}, error) {
		return l.rooms.Get(ctx, ip)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("ratelimit").Inc()
		}
		logging.Error(ctx, "Rate limiter store failed, allowing room creation", zap.Error(err))
		return nil
	}
	if res.(limiter.Context).Reached {
		metrics.RateLimitExceeded.WithLabelValues("rooms_per_day").Inc()
		return ErrTooManyRoomsCreated
	}
	return nil
}

// RefreshLiveness implements Limiter. The key is rewritten wholesale so IPs
// released since the last refresh drop out.
func (l *RedisLimiter) RefreshLiveness(ctx context.Context, ips []string) error {
	key := liveKeyPrefix + l.serverID
	members := make([]interface{}, 0, len(ips)+1)
	members = append(members, l.serverID)
	for _, ip := range ips {
		members = append(members, ip)
	}

	_, err := l.cb.Execute(func() (interface{}, error) {
		pipe := l.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, members...)
		pipe.PExpire(ctx, key, l.limits.ServerLivenessExpiration)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to refresh server liveness: %w", err)
	}
	return nil
}

// Sweep implements Limiter: walks every counter hash and deletes fields
// owned by servers whose liveness key has expired.
func (l *RedisLimiter) Sweep(ctx context.Context) error {
	for _, prefix := range []string{ipConnPrefix, roomConnPrefix} {
		iter := l.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			counts, err := l.client.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to read counter %s: %w", key, err)
			}
			for serverID := range counts {
				live, err := l.client.Exists(ctx, liveKeyPrefix+serverID).Result()
				if err != nil {
					return fmt.Errorf("failed to check liveness of %s: %w", serverID, err)
				}
				if live == 0 {
					if err := l.client.HDel(ctx, key, serverID).Err(); err != nil {
						return fmt.Errorf("failed to sweep counter %s: %w", key, err)
					}
					logging.Info(ctx, "Swept stale rate-limit count",
						zap.String("key", strings.TrimPrefix(key, prefix)),
						zap.String("server_id", serverID))
				}
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan counters: %w", err)
		}
	}
	return nil
}

// ServerID implements Limiter.
func (l *RedisLimiter) ServerID() string { return l.serverID }
