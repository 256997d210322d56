// Package api defines the JSON wire protocol spoken over the websocket: the
// request/update union coming in and the response union going out. All frames
// are single JSON objects; response fields that are unset are omitted rather
// than serialized as null.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boardtop/tokenboard/internal/v1/game"
)

// ErrInvalidRequest marks a frame that could not be parsed into a Request.
// Transport closes the connection with CloseInvalidRequest when it sees this.
var ErrInvalidRequest = errors.New("invalid request")

// Action discriminates the update variants inside a request.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionPing   Action = "ping"
)

// Update is one element of a request's ordered update list. Exactly one of
// Token, TokenID, or Ping is set, selected by Action.
type Update struct {
	Action  Action
	Token   *game.Token
	TokenID string
	Ping    *game.Ping
}

type updateJSON struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the action-tagged payload.
func (u *Update) UnmarshalJSON(data []byte) error {
	var raw updateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Action {
	case ActionCreate, ActionUpdate:
		var t game.Token
		if err := json.Unmarshal(raw.Data, &t); err != nil {
			return fmt.Errorf("%w: bad token payload: %s", ErrInvalidRequest, err)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		*u = Update{Action: raw.Action, Token: &t}
	case ActionDelete:
		var id string
		if err := json.Unmarshal(raw.Data, &id); err != nil {
			return fmt.Errorf("%w: delete payload must be a token id: %s", ErrInvalidRequest, err)
		}
		if id == "" {
			return fmt.Errorf("%w: delete payload must be a token id", ErrInvalidRequest)
		}
		*u = Update{Action: ActionDelete, TokenID: id}
	case ActionPing:
		var p game.Ping
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return fmt.Errorf("%w: bad ping payload: %s", ErrInvalidRequest, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: ping is missing an id", ErrInvalidRequest)
		}
		*u = Update{Action: ActionPing, Ping: &p}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, raw.Action)
	}
	return nil
}

// MarshalJSON emits the action-tagged form. Requests travel through the
// change-feed, so updates must round-trip.
func (u Update) MarshalJSON() ([]byte, error) {
	var payload any
	switch u.Action {
	case ActionCreate, ActionUpdate:
		payload = u.Token
	case ActionDelete:
		payload = u.TokenID
	case ActionPing:
		payload = u.Ping
	default:
		return nil, fmt.Errorf("unknown action %q", u.Action)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updateJSON{Action: u.Action, Data: data})
}

// Request is one client frame: a correlation id plus an ordered list of
// updates applied as a single mutation.
type Request struct {
	RequestID string   `json:"request_id"`
	Updates   []Update `json:"updates"`
}

// ParseRequest decodes a raw frame into a Request, folding every parse
// failure into ErrInvalidRequest.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if req.RequestID == "" {
		return Request{}, fmt.Errorf("%w: missing request_id", ErrInvalidRequest)
	}
	return req, nil
}

// Response type tags.
const (
	ResponseTypeConnected = "connected"
	ResponseTypeState     = "state"
	ResponseTypeError     = "error"
)

// Response is one server frame. Data holds the entity snapshot for connected
// and state responses, and the error message for error responses.
type Response struct {
	Type      string        `json:"type"`
	Entities  []game.Entity `json:"-"`
	Message   string        `json:"-"`
	RequestID string        `json:"request_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// NewConnectedResponse is the first frame on every connection: a full
// snapshot of the room.
func NewConnectedResponse(entities []game.Entity) Response {
	return Response{Type: ResponseTypeConnected, Entities: entities}
}

// NewStateResponse carries the full post-mutation snapshot, never a delta.
func NewStateResponse(entities []game.Entity, requestID string) Response {
	return Response{Type: ResponseTypeState, Entities: entities, RequestID: requestID}
}

// NewErrorResponse reports a recoverable per-update failure, tagged with the
// originating request and session so clients can correlate.
func NewErrorResponse(message, requestID, sessionID string) Response {
	return Response{Type: ResponseTypeError, Message: message, RequestID: requestID, SessionID: sessionID}
}

type responseJSON struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// MarshalJSON puts either the entity list or the error message under "data".
func (r Response) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	var err error
	switch r.Type {
	case ResponseTypeConnected, ResponseTypeState:
		data, err = game.EncodeEntities(r.Entities)
	case ResponseTypeError:
		data, err = json.Marshal(r.Message)
	default:
		return nil, fmt.Errorf("unknown response type %q", r.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(responseJSON{
		Type:      r.Type,
		Data:      data,
		RequestID: r.RequestID,
		SessionID: r.SessionID,
	})
}

// UnmarshalJSON restores a response that traveled through the change-feed.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw responseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	resp := Response{Type: raw.Type, RequestID: raw.RequestID, SessionID: raw.SessionID}
	switch raw.Type {
	case ResponseTypeConnected, ResponseTypeState:
		entities, err := game.DecodeEntities(raw.Data)
		if err != nil {
			return err
		}
		resp.Entities = entities
	case ResponseTypeError:
		if err := json.Unmarshal(raw.Data, &resp.Message); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown response type %q", raw.Type)
	}
	*r = resp
	return nil
}
