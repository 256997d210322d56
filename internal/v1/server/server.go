// Package server hosts the per-room actors that hold live board state. Each
// room is created on demand when the first local connection arrives and
// evicted when the last one leaves. The actor keeps its Room in sync with the
// store's change-feed and fans committed responses out to every local
// connection; all writes go through the store's transactional mutation, so
// every node converges on the same state.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/game"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/metrics"
	"github.com/boardtop/tokenboard/internal/v1/ratelimit"
	"github.com/boardtop/tokenboard/internal/v1/roomstore"
)

const (
	// PingLength is how long a ping stays on the board before the server
	// schedules its deletion.
	PingLength = 3 * time.Second

	// MaxUpdateRetries bounds how many times a request is retried after
	// losing the room lock to another writer.
	MaxUpdateRetries = 3
)

// GameStateServer owns every local room actor and is the single entry point
// for the transport layer.
type GameStateServer struct {
	store      roomstore.RoomStore
	limiter    ratelimit.Limiter
	tracer     trace.Tracer
	pingLength time.Duration
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*roomContext
}

// Option configures a GameStateServer.
type Option func(*GameStateServer)

// WithPingLength overrides the ping lifetime, for tests.
func WithPingLength(d time.Duration) Option {
	return func(s *GameStateServer) { s.pingLength = d }
}

// WithMaxRetries overrides the lock-conflict retry budget, for tests.
func WithMaxRetries(n int) Option {
	return func(s *GameStateServer) { s.maxRetries = n }
}

// NewGameStateServer builds the server. Call Shutdown to stop every room
// actor and wait for their goroutines.
func NewGameStateServer(store roomstore.RoomStore, limiter ratelimit.Limiter, opts ...Option) *GameStateServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &GameStateServer{
		store:      store,
		limiter:    limiter,
		tracer:     otel.Tracer("github.com/boardtop/tokenboard/internal/v1/server"),
		pingLength: PingLength,
		maxRetries: MaxUpdateRetries,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]*roomContext),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shutdown cancels every room actor and pending ping expiry and waits for
// them to finish.
func (s *GameStateServer) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// HandleConnection runs one client connection: it acquires rate-limit slots,
// joins (or creates) the room actor, emits the connected snapshot, then pumps
// inbound requests into the store while forwarding fan-out responses to send.
// It returns when requests closes, ctx is cancelled, or a fatal error occurs;
// the returned error is nil for a normal disconnect.
func (s *GameStateServer) HandleConnection(ctx context.Context, roomID, clientIP string, requests <-chan api.Request, send func(api.Response) error) error {
	sessionID := uuid.NewString()
	ctx = logging.WithSessionID(logging.WithRoomID(ctx, roomID), sessionID)

	release, err := s.limiter.AcquireConnection(ctx, clientIP, roomID)
	if err != nil {
		return err
	}
	defer release(ctx)

	connCtx, span := s.tracer.Start(ctx, "connect")
	rc, sub, snapshot, err := s.join(connCtx, roomID, clientIP)
	if err != nil {
		span.End()
		return err
	}
	defer s.leave(rc, sub)

	err = send(api.NewConnectedResponse(snapshot))
	span.End()
	if err != nil {
		return err
	}
	logging.Info(ctx, "Client connected", zap.String("client_ip", clientIP))

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	pumpDone := make(chan struct{})
	pumpErr := make(chan error, 1)
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case req, ok := <-requests:
				if !ok {
					return
				}
				if err := s.applyWithRetry(pumpCtx, rc, sessionID, req); err != nil {
					pumpErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case resp := <-sub.ch:
			if err := send(resp); err != nil {
				return err
			}
		case <-pumpDone:
			select {
			case err := <-pumpErr:
				return err
			default:
				return nil
			}
		case <-rc.failed:
			return &api.ConnectionError{
				Code:   api.CloseInvalidRoom,
				Reason: fmt.Sprintf("lost the state of room %s", roomID),
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// join finds or creates the room actor and registers a subscriber. The
// snapshot and the registration happen under the same lock the fan-out task
// applies mutations under, so no committed mutation can fall between them.
func (s *GameStateServer) join(ctx context.Context, roomID, clientIP string) (*roomContext, *subscriber, []game.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		if err := s.limiter.AcquireNewRoom(ctx, clientIP); err != nil {
			return nil, nil, nil, err
		}
		entities, err := s.store.Read(ctx, roomID)
		if err != nil {
			return nil, nil, nil, err
		}
		actorCtx, cancel := context.WithCancel(logging.WithRoomID(s.ctx, roomID))
		feed, err := s.store.Changes(actorCtx, roomID)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		rc = newRoomContext(roomID, actorCtx, cancel, game.NewRoom(entities))
		s.rooms[roomID] = rc
		metrics.ActiveRooms.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rc.run(feed)
		}()
	}
	rc.occupancy++
	metrics.RoomOccupancy.WithLabelValues(roomID).Set(float64(rc.occupancy))

	sub := newSubscriber()
	rc.mu.Lock()
	rc.subs[sub] = struct{}{}
	snapshot := rc.room.Snapshot()
	rc.mu.Unlock()
	return rc, sub, snapshot, nil
}

// leave deregisters the subscriber and, when it was the last local one,
// evicts the room: the change-feed subscription is cancelled and the actor
// drained to completion.
func (s *GameStateServer) leave(rc *roomContext, sub *subscriber) {
	rc.mu.Lock()
	delete(rc.subs, sub)
	rc.mu.Unlock()
	close(sub.gone)

	s.mu.Lock()
	rc.occupancy--
	last := rc.occupancy <= 0
	if last {
		delete(s.rooms, rc.roomID)
	} else {
		metrics.RoomOccupancy.WithLabelValues(rc.roomID).Set(float64(rc.occupancy))
	}
	s.mu.Unlock()

	if last {
		rc.cancel()
		<-rc.done
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupancy.DeleteLabelValues(rc.roomID)
		logging.Info(rc.ctx, "Evicted room with no remaining connections")
	}
}

// applyWithRetry submits the request as a store mutation, retrying lock
// conflicts with no backoff. Exhausting the retry budget is fatal for the
// connection.
func (s *GameStateServer) applyWithRetry(ctx context.Context, rc *roomContext, sessionID string, req api.Request) error {
	ctx, span := s.tracer.Start(ctx, "update")
	defer span.End()
	timer := prometheus.NewTimer(metrics.MutationDuration)
	defer timer.ObserveDuration()

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.MutationRetries.Inc()
		}
		_, err := s.store.ApplyMutation(ctx, rc.roomID, req, buildMutation(req, sessionID))
		if errors.Is(err, roomstore.ErrTransactionFailed) {
			continue
		}
		if err != nil {
			metrics.RequestsProcessed.WithLabelValues("error").Inc()
			return err
		}
		metrics.RequestsProcessed.WithLabelValues("ok").Inc()
		s.schedulePingExpiry(rc, sessionID, req)
		return nil
	}

	metrics.RequestsProcessed.WithLabelValues("conflict").Inc()
	logging.Error(ctx, "Dropping request, room lock contended past retry budget",
		zap.String("request_id", req.RequestID))
	return &api.ConnectionError{
		Code:   api.CloseInvalidRoom,
		Reason: fmt.Sprintf("failed to update room %s", rc.roomID),
	}
}

// schedulePingExpiry arranges a follow-up mutation that removes every ping
// the request placed, after the ping lifetime elapses. The task is bound to
// the room actor, so evicting the room cancels it.
func (s *GameStateServer) schedulePingExpiry(rc *roomContext, sessionID string, req api.Request) {
	var deletes []api.Update
	for _, u := range req.Updates {
		if u.Action == api.ActionPing {
			deletes = append(deletes, api.Update{Action: api.ActionDelete, TokenID: u.Ping.ID})
		}
	}
	if len(deletes) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.pingLength)
		defer timer.Stop()
		select {
		case <-rc.ctx.Done():
			return
		case <-timer.C:
		}
		expiry := api.Request{RequestID: req.RequestID, Updates: deletes}
		if err := s.applyWithRetry(rc.ctx, rc, sessionID, expiry); err != nil {
			logging.Warn(rc.ctx, "Failed to expire pings", zap.Error(err))
		}
	}()
}

// buildMutation turns a request into a pure store mutation: load the current
// entities into a Room, apply each update in order, collect per-update error
// responses, and finish with a full-state response. The state response is a
// complete snapshot rather than a delta, so clients converge from any
// response they receive.
func buildMutation(req api.Request, sessionID string) roomstore.MutateFunc {
	return func(current []game.Entity) (roomstore.MutationResult, error) {
		room := game.NewRoom(current)
		var responses []api.Response
		for _, update := range req.Updates {
			switch update.Action {
			case api.ActionCreate, api.ActionUpdate:
				token := *update.Token
				if room.IsValidPosition(token) {
					room.Upsert(token)
				} else {
					responses = append(responses, api.NewErrorResponse(
						"That position is occupied", req.RequestID, sessionID))
				}
			case api.ActionDelete:
				if !room.Delete(update.TokenID) {
					responses = append(responses, api.NewErrorResponse(
						"Cannot delete token because it does not exist", req.RequestID, sessionID))
				}
			case api.ActionPing:
				room.PlacePing(*update.Ping)
			}
		}
		entities := room.Snapshot()
		responses = append(responses, api.NewStateResponse(entities, req.RequestID))
		return roomstore.MutationResult{Entities: entities, Responses: responses}, nil
	}
}
