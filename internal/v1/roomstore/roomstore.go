// Package roomstore is the durable map from room id to its entity list, with
// single-writer transactional mutation and a per-room change-feed. Two
// backends exist: an in-memory one for tests and single-process mode, and a
// Redis one for production. Cross-node writers are serialized per room by an
// advisory lock with a wall-clock lease; every committed mutation is appended
// to the room's feed so every subscribing node observes it exactly once, in
// commit order.
package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
)

// DefaultLockExpiration is the advisory-lock lease. A mutate function that
// runs past it is aborted at commit time.
const DefaultLockExpiration = 10 * time.Second

// ErrTransactionFailed is returned when a mutation loses the per-room lock:
// another writer holds it, or the lease expired before commit. The store
// never retries; callers perform bounded retry themselves.
var ErrTransactionFailed = errors.New("room mutation transaction failed")

// MutationResult bundles the new authoritative entity list with the replies
// produced while applying the request (per-update errors first, then the
// terminal state response).
type MutationResult struct {
	Entities  []game.Entity  `json:"entities"`
	Responses []api.Response `json:"responses"`
}

type mutationResultJSON struct {
	Entities  json.RawMessage `json:"entities"`
	Responses []api.Response  `json:"responses"`
}

// MarshalJSON encodes the entity list through the game codec; results travel
// through the change-feed and must round-trip.
func (m MutationResult) MarshalJSON() ([]byte, error) {
	entities, err := game.EncodeEntities(m.Entities)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mutationResultJSON{Entities: entities, Responses: m.Responses})
}

// UnmarshalJSON restores a result read back from the change-feed.
func (m *MutationResult) UnmarshalJSON(data []byte) error {
	var raw mutationResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entities, err := game.DecodeEntities(raw.Entities)
	if err != nil {
		return err
	}
	*m = MutationResult{Entities: entities, Responses: raw.Responses}
	return nil
}

// MutateFunc transforms the current entity list (nil for a fresh room) into
// a MutationResult. It must be side-effect free: on ErrTransactionFailed the
// result is discarded and nothing may have changed.
type MutateFunc func(current []game.Entity) (MutationResult, error)

// CommittedMutation is one entry of a room's change-feed.
type CommittedMutation struct {
	Request api.Request    `json:"request"`
	Result  MutationResult `json:"result"`
}

// RoomStore is the capability set shared by both backends.
type RoomStore interface {
	// Read returns the room's entity list, or nil if the room has never been
	// written. Reads are unsynchronized and may be stale; the change-feed is
	// the consistency backbone.
	Read(ctx context.Context, roomID string) ([]game.Entity, error)

	// ForEachRoomID calls fn for every stored room id. The iteration is
	// restartable: callers that fail part way simply call it again.
	ForEachRoomID(ctx context.Context, fn func(roomID string) error) error

	// ApplyMutation acquires the room's advisory lock, reads the current
	// entities, runs mutate, and commits atomically: persist the new list,
	// append the mutation to the change-feed, release the lock. It fails with
	// ErrTransactionFailed if the lock is held by another writer or the lease
	// expired before commit; in that case no write occurs. An error from
	// mutate releases the lock and propagates unchanged.
	ApplyMutation(ctx context.Context, roomID string, req api.Request, mutate MutateFunc) (MutationResult, error)

	// Changes subscribes to the room's change-feed starting from now or
	// shortly before. The feed delivers every mutation committed by any node,
	// in commit order, until ctx is cancelled or the feed fails. After the
	// channel closes, Err reports whether delivery may have been lossy.
	Changes(ctx context.Context, roomID string) (*ChangeFeed, error)
}

// ChangeFeed is a live subscription to one room's committed mutations.
type ChangeFeed struct {
	ch  chan CommittedMutation
	mu  sync.Mutex
	err error
}

func newChangeFeed(buffer int) *ChangeFeed {
	return &ChangeFeed{ch: make(chan CommittedMutation, buffer)}
}

// Changes returns the delivery channel. It is closed when the subscription
// ends; check Err afterwards.
func (f *ChangeFeed) Changes() <-chan CommittedMutation {
	return f.ch
}

// Err reports why the feed terminated. Nil means a clean shutdown via
// context cancellation; anything else means delivery may have been lossy and
// the room's subscribers must be torn down.
func (f *ChangeFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *ChangeFeed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
