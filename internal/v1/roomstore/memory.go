package roomstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
)

// MemoryStorage is the shared backing state for MemoryRoomStore instances.
// Two stores built over the same storage behave like two nodes sharing one
// database, which is exactly what the contention tests need.
type MemoryStorage struct {
	mu    chan struct{} // held as a semaphore so mutate can run unlocked
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	present    bool
	entities   []game.Entity
	lockHolder string
	lockExpiry time.Time
	subs       map[chan CommittedMutation]struct{}
}

// NewMemoryStorage creates empty shared storage.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		mu:    make(chan struct{}, 1),
		rooms: make(map[string]*memoryRoom),
	}
	return s
}

func (s *MemoryStorage) lock() {
	s.mu <- struct{}{}
}

func (s *MemoryStorage) unlock() {
	<-s.mu
}

func (s *MemoryStorage) room(roomID string) *memoryRoom {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &memoryRoom{subs: make(map[chan CommittedMutation]struct{})}
		s.rooms[roomID] = r
	}
	return r
}

// MemoryRoomStore implements RoomStore against in-process state.
type MemoryRoomStore struct {
	storage        *MemoryStorage
	clock          clock.PassiveClock
	lockExpiration time.Duration
}

// NewMemoryRoomStore builds a store over the given shared storage.
func NewMemoryRoomStore(storage *MemoryStorage) *MemoryRoomStore {
	return NewMemoryRoomStoreWithClock(storage, clock.RealClock{}, DefaultLockExpiration)
}

// NewMemoryRoomStoreWithClock injects the clock and lease used for lock
// expiry, for tests.
func NewMemoryRoomStoreWithClock(storage *MemoryStorage, c clock.PassiveClock, lockExpiration time.Duration) *MemoryRoomStore {
	return &MemoryRoomStore{storage: storage, clock: c, lockExpiration: lockExpiration}
}

// Read implements RoomStore.
func (s *MemoryRoomStore) Read(_ context.Context, roomID string) ([]game.Entity, error) {
	s.storage.lock()
	defer s.storage.unlock()
	r, ok := s.storage.rooms[roomID]
	if !ok || !r.present {
		return nil, nil
	}
	return append([]game.Entity(nil), r.entities...), nil
}

// ForEachRoomID implements RoomStore. Ids are visited in sorted order.
func (s *MemoryRoomStore) ForEachRoomID(_ context.Context, fn func(roomID string) error) error {
	s.storage.lock()
	ids := make([]string, 0, len(s.storage.rooms))
	for id, r := range s.storage.rooms {
		if r.present {
			ids = append(ids, id)
		}
	}
	s.storage.unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMutation implements RoomStore.
func (s *MemoryRoomStore) ApplyMutation(ctx context.Context, roomID string, req api.Request, mutate MutateFunc) (MutationResult, error) {
	holder := uuid.NewString()

	s.storage.lock()
	r := s.storage.room(roomID)
	now := s.clock.Now()
	if r.lockHolder != "" && now.Before(r.lockExpiry) {
		s.storage.unlock()
		return MutationResult{}, ErrTransactionFailed
	}
	r.lockHolder = holder
	r.lockExpiry = now.Add(s.lockExpiration)
	var current []game.Entity
	if r.present {
		current = append([]game.Entity(nil), r.entities...)
	}
	s.storage.unlock()

	result, err := mutate(current)
	if err != nil {
		s.releaseLock(roomID, holder)
		return MutationResult{}, err
	}

	s.storage.lock()
	r = s.storage.room(roomID)
	if r.lockHolder != holder {
		// Another writer took over after our lease lapsed.
		s.storage.unlock()
		return MutationResult{}, ErrTransactionFailed
	}
	if s.clock.Now().After(r.lockExpiry) {
		r.lockHolder = ""
		s.storage.unlock()
		return MutationResult{}, ErrTransactionFailed
	}
	r.present = true
	r.entities = append([]game.Entity(nil), result.Entities...)
	r.lockHolder = ""
	mutation := CommittedMutation{Request: req, Result: result}
	for sub := range r.subs {
		// Subscriber channels are buffered; the owning room actor drains
		// them continuously. Blocking here preserves commit order and
		// exactly-once delivery.
		sub <- mutation
	}
	s.storage.unlock()

	return result, nil
}

func (s *MemoryRoomStore) releaseLock(roomID, holder string) {
	s.storage.lock()
	defer s.storage.unlock()
	r := s.storage.room(roomID)
	if r.lockHolder == holder {
		r.lockHolder = ""
	}
}

// Changes implements RoomStore.
func (s *MemoryRoomStore) Changes(ctx context.Context, roomID string) (*ChangeFeed, error) {
	feed := newChangeFeed(256)

	s.storage.lock()
	r := s.storage.room(roomID)
	r.subs[feed.ch] = struct{}{}
	s.storage.unlock()

	go func() {
		<-ctx.Done()
		s.storage.lock()
		delete(r.subs, feed.ch)
		s.storage.unlock()
		// Drain anything published while we were deregistering, then close.
		for {
			select {
			case <-feed.ch:
			default:
				close(feed.ch)
				return
			}
		}
	}()

	return feed, nil
}
