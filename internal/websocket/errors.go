// internal/websocket/errors.go
package websocket

import "errors"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrHubStopped     = errors.New("websocket hub is not running")
	ErrRoomNotFound   = errors.New("call room not found")
	ErrRoomForbidden  = errors.New("not a participant of this call room")
	ErrRoomFull       = errors.New("call room is full")
	ErrNotInRoom      = errors.New("not joined to this call room")
	ErrInvalidRequest = errors.New("invalid request")
)

// errorCode maps a handler error to the code sent in an error event.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomForbidden):
		return "forbidden"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "handler_error"
	}
}
