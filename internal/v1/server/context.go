package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/metrics"
	"github.com/boardtop/tokenboard/internal/v1/roomstore"
)

// roomContext is one room actor: the local Room replica plus the fan-out
// list of local subscribers. The Room is mutated only under mu by the actor
// goroutine; connections read it once at join time, under the same lock.
type roomContext struct {
	roomID string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	room *game.Room
	subs map[*subscriber]struct{}

	// occupancy is guarded by the server's mutex, not mu.
	occupancy int

	failed chan struct{}
	done   chan struct{}
}

// subscriber is one connection's response queue.
type subscriber struct {
	ch   chan api.Response
	gone chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan api.Response, 256), gone: make(chan struct{})}
}

func newRoomContext(roomID string, ctx context.Context, cancel context.CancelFunc, room *game.Room) *roomContext {
	return &roomContext{
		roomID: roomID,
		ctx:    ctx,
		cancel: cancel,
		room:   room,
		subs:   make(map[*subscriber]struct{}),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// run consumes the change-feed until it closes, applying each committed
// mutation to the local Room and forwarding its responses to every local
// subscriber. After cancellation it keeps draining so no publisher is left
// blocked on the feed.
func (rc *roomContext) run(feed *roomstore.ChangeFeed) {
	defer close(rc.done)
	for mutation := range feed.Changes() {
		if rc.ctx.Err() != nil {
			continue
		}
		metrics.ChangeFeedEvents.Inc()
		rc.apply(mutation)
	}
	if err := feed.Err(); err != nil {
		logging.Error(rc.ctx, "Change-feed failed, abandoning room", zap.Error(err))
		close(rc.failed)
	}
}

func (rc *roomContext) apply(mutation roomstore.CommittedMutation) {
	rc.mu.Lock()
	rc.room.Reset(mutation.Result.Entities)
	subs := make([]*subscriber, 0, len(rc.subs))
	for sub := range rc.subs {
		subs = append(subs, sub)
	}
	rc.mu.Unlock()

	for _, sub := range subs {
	forward:
		for _, resp := range mutation.Result.Responses {
			select {
			case sub.ch <- resp:
			case <-sub.gone:
				break forward
			case <-rc.ctx.Done():
				return
			}
		}
	}
}
