package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/metrics"
	"github.com/boardtop/tokenboard/internal/v1/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024

	// A close frame's payload is capped at 125 bytes, two of which hold the
	// status code.
	maxCloseReasonLen = 123
)

// wsConnection is the subset of *websocket.Conn the client uses, split out so
// tests can substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client is the per-connection frame codec. The read pump turns frames into
// typed requests; send serializes responses back out. Writes are serialized:
// send is only called from the connection's response loop, and the final
// close frame is written after that loop has returned.
type client struct {
	conn wsConnection

	mu  sync.Mutex
	err error
}

func newClient(conn wsConnection) *client {
	conn.SetReadLimit(maxMessageSize)
	return &client{conn: conn}
}

// readPump parses inbound frames into requests until the connection drops or
// a frame fails to parse. It always closes the requests channel so the game
// server observes the end of the stream.
func (c *client) readPump(ctx context.Context, requests chan<- api.Request) {
	defer close(requests)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			// Normal client disconnect is not an error.
			return
		}
		req, err := api.ParseRequest(frame)
		if err != nil {
			logging.Warn(ctx, "Dropping connection with unparseable frame", zap.Error(err))
			c.setErr(err)
			return
		}
		select {
		case requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

// send writes one response frame.
func (c *client) send(resp api.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *client) readErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// closeCodeFor maps a connection-terminating error to a websocket close
// code.
func closeCodeFor(err error) (int, string) {
	var connErr *api.ConnectionError
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.As(err, &connErr):
		return connErr.Code, connErr.Reason
	case errors.Is(err, api.ErrInvalidRequest):
		return api.CloseInvalidRequest, err.Error()
	case errors.Is(err, ratelimit.ErrTooManyConnections):
		return api.CloseTooManyConnections, err.Error()
	case errors.Is(err, ratelimit.ErrRoomFull):
		return api.CloseRoomFull, err.Error()
	case errors.Is(err, ratelimit.ErrTooManyRoomsCreated):
		return api.CloseTooManyRoomsCreated, err.Error()
	default:
		return websocket.CloseInternalServerErr, "Something went wrong"
	}
}

// closeConn writes the close frame and records the outcome. Reasons longer
// than the control-frame cap are truncated at a rune boundary; the code is
// what clients key off, the reason is advisory.
func closeConn(conn wsConnection, code int, reason string) {
	metrics.ConnectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
	if len(reason) > maxCloseReasonLen {
		reason = reason[:maxCloseReasonLen]
		for len(reason) > 0 && !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	deadline := time.Now().Add(writeWait)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		// The peer may already be gone.
		logging.Warn(context.Background(), "Failed to write close frame", zap.Error(err))
	}
}
