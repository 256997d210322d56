// Package transport owns the websocket edge: upgrading connections, turning
// raw frames into typed requests, forwarding responses, and mapping errors to
// close codes. Everything below the socket lives in the server package.
package transport

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/metrics"
	"github.com/boardtop/tokenboard/internal/v1/ratelimit"
)

// ConnectionHandler is the server-side of a websocket connection; implemented
// by server.GameStateServer.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, roomID, clientIP string, requests <-chan api.Request, send func(api.Response) error) error
}

// Hub accepts websocket connections and tracks which client IPs are connected
// to this node, feeding the rate limiter's liveness refresh.
type Hub struct {
	game     ConnectionHandler
	limiter  ratelimit.Limiter
	upgrader websocket.Upgrader

	livenessExpiration time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ipConns map[string]int
}

// NewHub wires the websocket edge to the game server and rate limiter.
// allowedOrigins is a comma-separated list; empty allows all origins.
func NewHub(game ConnectionHandler, limiter ratelimit.Limiter, allowedOrigins string, livenessExpiration time.Duration) *Hub {
	origins := set.New[string]()
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins.Insert(origin)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		game:    game,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if origins.Len() == 0 {
					return true
				}
				return origins.Has(r.Header.Get("Origin"))
			},
		},
		livenessExpiration: livenessExpiration,
		ctx:                ctx,
		cancel:             cancel,
		ipConns:            make(map[string]int),
	}
	return h
}

// Start launches the background liveness refresher and stale-counter
// sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.maintainLiveness()
}

// Shutdown stops the background tasks and cancels live connections.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// ServeWs upgrades the request and runs the connection to completion.
func (h *Hub) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "Failed to upgrade websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	roomID := c.Param("roomId")
	if !isUUIDv4(roomID) {
		closeConn(conn, api.CloseInvalidUUID, "room id must be a UUIDv4")
		return
	}

	clientIP := c.ClientIP()
	h.trackIP(clientIP)
	defer h.untrackIP(clientIP)
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	client := newClient(conn)
	requests := make(chan api.Request)
	go client.readPump(ctx, requests)

	err = h.game.HandleConnection(ctx, roomID, clientIP, requests, client.send)
	if err == nil {
		err = client.readErr()
	}
	code, reason := closeCodeFor(err)
	if code == websocket.CloseInternalServerErr {
		// Unexpected failures get a last error frame before the close.
		_ = client.send(api.NewErrorResponse(reason, "", ""))
	}
	closeConn(conn, code, reason)
}

// ConnectedIPs returns the set of client IPs currently connected to this
// node.
func (h *Hub) ConnectedIPs() set.Set[string] {
	h.mu.Lock()
	defer h.mu.Unlock()
	ips := set.New[string]()
	for ip := range h.ipConns {
		ips.Insert(ip)
	}
	return ips
}

func (h *Hub) trackIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ipConns[ip]++
}

func (h *Hub) untrackIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipConns[ip]--; h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
}

// maintainLiveness refreshes this server's liveness key on a jittered
// interval of expiration/3 ± expiration/16, and sweeps stale counters once
// per expiration period.
func (h *Hub) maintainLiveness() {
	defer h.wg.Done()

	h.refreshLiveness()
	sweep := time.NewTicker(h.livenessExpiration)
	defer sweep.Stop()

	for {
		interval := h.livenessExpiration/3 - h.livenessExpiration/16 +
			time.Duration(rand.Int63n(int64(h.livenessExpiration/8)))
		select {
		case <-h.ctx.Done():
			return
		case <-sweep.C:
			if err := h.limiter.Sweep(h.ctx); err != nil {
				logging.Warn(h.ctx, "Failed to sweep stale rate-limit counters", zap.Error(err))
			}
		case <-time.After(interval):
			h.refreshLiveness()
		}
	}
}

func (h *Hub) refreshLiveness() {
	if err := h.limiter.RefreshLiveness(h.ctx, h.ConnectedIPs().SortedList()); err != nil {
		logging.Warn(h.ctx, "Failed to refresh server liveness", zap.Error(err))
	}
}

// isUUIDv4 accepts only the canonical hex-and-hyphen form.
func isUUIDv4(id string) bool {
	if len(id) != 36 {
		return false
	}
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.Version() == 4
}
