// Package call implements the peer side of a two-party call: the offer/answer
// state machine, the signaling channel with presence, and the session that
// owns both for the lifetime of one call.
package call

import "fmt"

// SDPType is the type of a session description in the offer/answer model.
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a network candidate discovered by one side of the connection.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingState mirrors the peer connection's offer/answer state.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ICEConnectionState is the transport-level connectivity of the peer connection.
type ICEConnectionState string

const (
	ICENew          ICEConnectionState = "new"
	ICEChecking     ICEConnectionState = "checking"
	ICEConnected    ICEConnectionState = "connected"
	ICECompleted    ICEConnectionState = "completed"
	ICEDisconnected ICEConnectionState = "disconnected"
	ICEFailed       ICEConnectionState = "failed"
	ICEClosed       ICEConnectionState = "closed"
)

// PeerConnection is the media connection primitive the negotiator drives.
// Implementations wrap a concrete stack; callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	// SetLocalDescription also accepts SDPTypeRollback to abandon a local offer.
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	AddICECandidate(ICECandidate) error
	AddTrack(MediaTrack) error
	SignalingState() SignalingState
	OnICECandidate(func(ICECandidate))
	OnICEConnectionStateChange(func(ICEConnectionState))
	Close() error
}

// State is the negotiation state of one side of a call.
type State string

const (
	StateIdle              State = "idle"
	StateAcquiringMedia    State = "acquiring-media"
	StateConnectionCreated State = "connection-created"
	StateHaveLocalOffer    State = "have-local-offer"
	StateHaveRemoteOffer   State = "have-remote-offer"
	StateStable            State = "stable"
	StateConnected         State = "connected"
	StateFailed            State = "failed"
	StateClosed            State = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// SignalKind tags a signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is one signaling message. SenderID is stamped by the channel.
type Signal struct {
	Kind        SignalKind          `json:"kind"`
	SenderID    string              `json:"sender_id"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

// Validate checks that the signal carries the payload its kind requires.
func (s Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.Description == nil {
			return fmt.Errorf("%s signal without description", s.Kind)
		}
		if string(s.Description.Type) != string(s.Kind) {
			return fmt.Errorf("%s signal carries %s description", s.Kind, s.Description.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate signal without candidate")
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return nil
}
