// Package ratelimit enforces the quotas shared by every server node: live
// connections per client IP, occupancy per room, and rooms created per IP
// per day. Each connection count carries the id of the server that took it;
// a liveness key per server lets counts belonging to dead servers be ignored
// and later swept, instead of leaking forever.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTooManyConnections means the client IP already holds its maximum
	// number of live connections across all nodes.
	ErrTooManyConnections = errors.New("too many connections for this client")

	// ErrRoomFull means the room is at its occupancy cap.
	ErrRoomFull = errors.New("room is full")

	// ErrTooManyRoomsCreated means the client IP exhausted its daily
	// room-creation quota.
	ErrTooManyRoomsCreated = errors.New("too many rooms created by this client")
)

// Limits configures the limiter.
type Limits struct {
	MaxConnectionsPerIP      int
	MaxUsersPerRoom          int
	MaxRoomsPerDay           int64
	ServerLivenessExpiration time.Duration
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:      10,
		MaxUsersPerRoom:          20,
		MaxRoomsPerDay:           50,
		ServerLivenessExpiration: 60 * time.Second,
	}
}

// ReleaseFunc returns a connection's slots. Idempotent.
type ReleaseFunc func(ctx context.Context)

// Limiter is the shared quota enforcer. Both backends fail open on store
// errors: an unavailable store must not take the product down with it.
type Limiter interface {
	// AcquireConnection takes one per-IP slot and one per-room slot, or
	// neither. Callers must invoke the returned release on every exit path.
	AcquireConnection(ctx context.Context, ip, roomID string) (ReleaseFunc, error)

	// AcquireNewRoom counts a room creation against the ip's daily quota.
	AcquireNewRoom(ctx context.Context, ip string) error

	// RefreshLiveness re-arms this server's liveness key, tagging it with
	// the IPs currently holding slots here. Call it on a jittered interval
	// no longer than a third of ServerLivenessExpiration.
	RefreshLiveness(ctx context.Context, ips []string) error

	// Sweep removes counts whose owning server is no longer live. Runs off
	// the hot path; acquisition already ignores dead servers' counts.
	Sweep(ctx context.Context) error

	// ServerID identifies this server instance in the liveness set.
	ServerID() string
}
