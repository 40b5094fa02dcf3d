// internal/call/negotiator.go
package call

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NegotiatorConfig wires a Negotiator to its collaborators.
type NegotiatorConfig struct {
	Devices           MediaDevices
	NewPeerConnection func() (PeerConnection, error)
	Constraints       MediaConstraints

	// Emit transmits an outbound signal. The channel stamps the sender id.
	Emit func(Signal)
	// OnStateChange observes every state transition.
	OnStateChange func(State)
	// OnLocalCandidate and OnICEState receive peer connection callbacks. They
	// may run on any goroutine and must hand off to the owner of the negotiator.
	OnLocalCandidate func(ICECandidate)
	OnICEState       func(ICEConnectionState)

	Logger *zap.Logger
}

// Negotiator is the offer/answer state machine of one side of a call. It is
// not safe for concurrent use; the owning Session serializes every call.
type Negotiator struct {
	cfg    NegotiatorConfig
	logger *zap.Logger

	state  State
	err    error
	stream MediaStream
	pc     PeerConnection

	remoteDescriptionSet bool
	pendingCandidates    []ICECandidate
	connectedReported    bool
	closed               bool
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{cfg: cfg, logger: logger, state: StateIdle}
}

func (n *Negotiator) State() State { return n.state }

// Err returns the error that moved the negotiator to failed, if any.
func (n *Negotiator) Err() error { return n.err }

// LocalStream returns the acquired local media, or nil.
func (n *Negotiator) LocalStream() MediaStream { return n.stream }

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Debug("call state", zap.String("from", string(n.state)), zap.String("to", string(s)))
	n.state = s
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s)
	}
}

// fail moves to the terminal failed state and returns err.
func (n *Negotiator) fail(err error) error {
	if n.state.Terminal() {
		return err
	}
	n.err = err
	n.setState(StateFailed)
	return err
}

func (n *Negotiator) require(states ...State) error {
	for _, s := range states {
		if n.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, n.state)
}

// AcquireLocalMedia requests camera and microphone. Failures are classified
// into a *MediaError and are terminal.
func (n *Negotiator) AcquireLocalMedia(ctx context.Context) error {
	if err := n.require(StateIdle); err != nil {
		return err
	}
	n.setState(StateAcquiringMedia)

	stream, err := n.cfg.Devices.GetUserMedia(ctx, n.cfg.Constraints)
	if err != nil {
		return n.fail(ClassifyMediaError(err))
	}
	n.stream = stream
	return nil
}

// CreateConnection creates the peer connection and attaches the local tracks.
func (n *Negotiator) CreateConnection() error {
	if err := n.require(StateAcquiringMedia); err != nil {
		return err
	}
	if n.stream == nil {
		return fmt.Errorf("%w: local media not acquired", ErrInvalidState)
	}

	pc, err := n.cfg.NewPeerConnection()
	if err != nil {
		return n.fail(fmt.Errorf("%w: create connection: %v", ErrNegotiationFailed, err))
	}
	n.pc = pc

	for _, track := range n.stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			return n.fail(fmt.Errorf("%w: add %s track: %v", ErrNegotiationFailed, track.Kind(), err))
		}
	}
	if n.cfg.OnLocalCandidate != nil {
		pc.OnICECandidate(n.cfg.OnLocalCandidate)
	}
	if n.cfg.OnICEState != nil {
		pc.OnICEConnectionStateChange(n.cfg.OnICEState)
	}

	n.setState(StateConnectionCreated)
	return nil
}

// CreateOffer produces, applies and emits a local offer. Only the elected
// initiator calls it.
func (n *Negotiator) CreateOffer() error {
	if err := n.require(StateConnectionCreated); err != nil {
		return err
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return n.fail(fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail(fmt.Errorf("%w: apply local offer: %v", ErrNegotiationFailed, err))
	}

	n.setState(StateHaveLocalOffer)
	n.emit(Signal{Kind: SignalOffer, Description: &offer})
	return nil
}

// ApplyRemoteOffer answers a remote offer. A local offer still pending is
// rolled back first so the remote one is processed.
func (n *Negotiator) ApplyRemoteOffer(offer SessionDescription) error {
	if err := n.require(StateConnectionCreated, StateHaveLocalOffer); err != nil {
		return err
	}

	if n.state == StateHaveLocalOffer {
		n.logger.Info("remote offer while local offer pending, rolling back")
		if err := n.pc.SetLocalDescription(SessionDescription{Type: SDPTypeRollback}); err != nil {
			return n.fail(fmt.Errorf("%w: rollback local offer: %v", ErrNegotiationFailed, err))
		}
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return n.fail(fmt.Errorf("%w: apply remote offer: %v", ErrNegotiationFailed, err))
	}
	n.setState(StateHaveRemoteOffer)
	n.remoteDescriptionApplied()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.fail(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(fmt.Errorf("%w: apply local answer: %v", ErrNegotiationFailed, err))
	}

	n.setState(StateStable)
	n.emit(Signal{Kind: SignalAnswer, Description: &answer})
	return nil
}

// ApplyRemoteAnswer completes a negotiation this side started.
func (n *Negotiator) ApplyRemoteAnswer(answer SessionDescription) error {
	if err := n.require(StateHaveLocalOffer); err != nil {
		return err
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return n.fail(fmt.Errorf("%w: apply remote answer: %v", ErrNegotiationFailed, err))
	}
	n.remoteDescriptionApplied()
	n.setState(StateStable)
	return nil
}

// ApplyRemoteCandidate adds a remote candidate, holding it until a remote
// description exists. Candidates are never dropped while the call is live.
func (n *Negotiator) ApplyRemoteCandidate(c ICECandidate) error {
	if n.pc == nil || n.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidState, n.state)
	}
	if !n.remoteDescriptionSet {
		n.pendingCandidates = append(n.pendingCandidates, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		// A single bad candidate does not fail the call; others may still connect.
		n.logger.Warn("failed to add remote candidate", zap.Error(err))
	}
	return nil
}

func (n *Negotiator) remoteDescriptionApplied() {
	n.remoteDescriptionSet = true
	pending := n.pendingCandidates
	n.pendingCandidates = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warn("failed to add queued remote candidate", zap.Error(err))
		}
	}
}

// PendingCandidates is the number of remote candidates waiting for a remote description.
func (n *Negotiator) PendingCandidates() int { return len(n.pendingCandidates) }

// HandleLocalCandidate emits a locally discovered candidate.
func (n *Negotiator) HandleLocalCandidate(c ICECandidate) {
	if n.state.Terminal() {
		return
	}
	n.emit(Signal{Kind: SignalCandidate, Candidate: &c})
}

// HandleICEState folds connectivity changes into the negotiation state.
// Connected is reported once; failed is terminal.
func (n *Negotiator) HandleICEState(s ICEConnectionState) {
	if n.state.Terminal() {
		return
	}
	switch s {
	case ICEConnected, ICECompleted:
		if n.connectedReported {
			return
		}
		n.connectedReported = true
		n.setState(StateConnected)
	case ICEFailed:
		n.fail(fmt.Errorf("%w: connectivity checks failed", ErrNegotiationFailed))
	case ICEDisconnected:
		n.logger.Info("call connectivity interrupted")
	}
}

// Connected reports whether the call reached connected at least once.
func (n *Negotiator) Connected() bool { return n.connectedReported }

// SetTrackEnabled flips the enabled flag of the local tracks of kind. No
// renegotiation happens.
func (n *Negotiator) SetTrackEnabled(kind TrackKind, enabled bool) {
	if n.stream == nil {
		return
	}
	for _, t := range n.stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// TrackEnabled reports whether any local track of kind is enabled.
func (n *Negotiator) TrackEnabled(kind TrackKind) bool {
	if n.stream == nil {
		return false
	}
	for _, t := range n.stream.Tracks() {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// Close stops local media and closes the connection. It is idempotent and
// runs from any state, including failed.
func (n *Negotiator) Close() {
	if n.closed {
		return
	}
	n.closed = true
	StopStream(n.stream)
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.logger.Warn("failed to close peer connection", zap.Error(err))
		}
	}
	n.pendingCandidates = nil
	if n.state != StateFailed {
		n.setState(StateClosed)
	}
}

func (n *Negotiator) emit(s Signal) {
	if n.cfg.Emit != nil {
		n.cfg.Emit(s)
	}
}
