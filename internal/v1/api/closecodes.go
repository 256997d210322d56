package api

// WebSocket close codes in the application range. Clients key their error UI
// off these values, so they are part of the wire contract.
const (
	CloseInvalidUUID         = 4001
	CloseInvalidRequest      = 4002
	CloseTooManyConnections  = 4003
	CloseRoomFull            = 4004
	CloseTooManyRoomsCreated = 4005
	CloseInvalidRoom         = 4006
)

// ConnectionError rejects or terminates a connection with a specific close
// code. Transport maps it onto the websocket close frame verbatim.
type ConnectionError struct {
	Code   int
	Reason string
}

func (e *ConnectionError) Error() string {
	return e.Reason
}
