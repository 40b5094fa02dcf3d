// internal/call/media.go
package call

import (
	"context"
	"fmt"
	"sync"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackState is "live" until the track is stopped, then "ended".
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	ReadyState() TrackState
	Stop()
}

type MediaStream interface {
	Tracks() []MediaTrack
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture. Denials should wrap ErrPermissionDenied
// and busy or missing devices ErrDeviceUnavailable.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
}

// StopStream stops every track of the stream.
func StopStream(s MediaStream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// LiveTracks returns the tracks of s that have not been stopped.
func LiveTracks(s MediaStream) []MediaTrack {
	if s == nil {
		return nil
	}
	var live []MediaTrack
	for _, t := range s.Tracks() {
		if t.ReadyState() == TrackLive {
			live = append(live, t)
		}
	}
	return live
}

// ExclusiveDevices lets at most one stream from the wrapped devices be live
// in the process. The hold is released once every track of the stream is stopped.
type ExclusiveDevices struct {
	devices MediaDevices

	mu     sync.Mutex
	holder *exclusiveStream
}

func NewExclusiveDevices(devices MediaDevices) *ExclusiveDevices {
	return &ExclusiveDevices{devices: devices}
}

func (d *ExclusiveDevices) GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.holder != nil && !d.holder.released() {
		return nil, fmt.Errorf("%w: held by another call", ErrDeviceUnavailable)
	}

	stream, err := d.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}
	d.holder = &exclusiveStream{MediaStream: stream}
	return d.holder, nil
}

type exclusiveStream struct {
	MediaStream
}

func (s *exclusiveStream) released() bool {
	return len(LiveTracks(s.MediaStream)) == 0
}
