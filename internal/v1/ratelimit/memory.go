package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/boardtop/tokenboard/internal/v1/metrics"
)

// MemoryLimiter implements Limiter for tests and single-process mode. All
// counters die with the process, so liveness tracking is a no-op.
type MemoryLimiter struct {
	limits   Limits
	serverID string
	rooms    *limiter.Limiter

	mu        sync.Mutex
	ipConns   map[string]int
	roomConns map[string]int
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		limits:   limits,
		serverID: uuid.NewString(),
		rooms: limiter.New(memory.NewStore(), limiter.Rate{
			Period: 24 * time.Hour,
			Limit:  limits.MaxRoomsPerDay,
		}),
		ipConns:   make(map[string]int),
		roomConns: make(map[string]int),
	}
}

// AcquireConnection implements Limiter.
func (l *MemoryLimiter) AcquireConnection(_ context.Context, ip, roomID string) (ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ipConns[ip] >= l.limits.MaxConnectionsPerIP {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		return nil, ErrTooManyConnections
	}
	if l.roomConns[roomID] >= l.limits.MaxUsersPerRoom {
		metrics.RateLimitExceeded.WithLabelValues("room").Inc()
		return nil, ErrRoomFull
	}
	l.ipConns[ip]++
	l.roomConns[roomID]++

	var once sync.Once
	return func(context.Context) {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.ipConns[ip]--; l.ipConns[ip] <= 0 {
				delete(l.ipConns, ip)
			}
			if l.roomConns[roomID]--; l.roomConns[roomID] <= 0 {
				delete(l.roomConns, roomID)
			}
		})
	}, nil
}

// AcquireNewRoom implements Limiter.
func (l *MemoryLimiter) AcquireNewRoom(ctx context.Context, ip string) error {
	res, err := l.rooms.Get(ctx, ip)
	if err != nil {
		return nil // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("rooms_per_day").Inc()
		return ErrTooManyRoomsCreated
	}
	return nil
}

// RefreshLiveness implements Limiter. Nothing to refresh in-process.
func (l *MemoryLimiter) RefreshLiveness(context.Context, []string) error { return nil }

// Sweep implements Limiter. Nothing to sweep in-process.
func (l *MemoryLimiter) Sweep(context.Context) error { return nil }

// ServerID implements Limiter.
func (l *MemoryLimiter) ServerID() string { return l.serverID }
