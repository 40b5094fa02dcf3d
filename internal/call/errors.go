// internal/call/errors.go
package call

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationFailed = errors.New("call negotiation failed")
	ErrConnectionTimeout = errors.New("call did not connect in time")
	ErrInvalidState      = errors.New("operation not valid in current call state")
	ErrSessionEnded      = errors.New("call session has ended")
	ErrRoomClosed        = errors.New("call room closed")
	ErrSignalingLost     = errors.New("signaling connection lost")

	// Returned by MediaDevices implementations; classified into MediaError.
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// MediaErrorKind classifies a media acquisition failure for user messaging.
type MediaErrorKind string

const (
	MediaPermissionDenied  MediaErrorKind = "permission-denied"
	MediaDeviceUnavailable MediaErrorKind = "device-unavailable"
	MediaUnknown           MediaErrorKind = "unknown"
)

// MediaError is a classified camera/microphone acquisition failure.
type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// UserMessage is the text shown to the user for this failure.
func (e *MediaError) UserMessage() string {
	switch e.Kind {
	case MediaPermissionDenied:
		return "Camera or microphone access was denied. Allow access in your browser settings and start the call again."
	case MediaDeviceUnavailable:
		return "Your camera or microphone is in use by another application or not connected."
	default:
		return "Could not start your camera or microphone."
	}
}

// ClassifyMediaError wraps err in a MediaError of the matching kind.
func ClassifyMediaError(err error) *MediaError {
	if err == nil {
		return nil
	}
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &MediaError{Kind: MediaPermissionDenied, Err: err}
	case errors.Is(err, ErrDeviceUnavailable):
		return &MediaError{Kind: MediaDeviceUnavailable, Err: err}
	default:
		return &MediaError{Kind: MediaUnknown, Err: err}
	}
}
