package call

import (
	"context"
	"fmt"
	"sync"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	state   TrackState
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true, state: TrackLive}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TrackEnded
}

type fakeStream struct {
	tracks []MediaTrack
}

func (s *fakeStream) Tracks() []MediaTrack { return s.tracks }

type fakeDevices struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c MediaConstraints) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	n := len(d.streams)
	s := &fakeStream{}
	if c.Audio {
		s.tracks = append(s.tracks, newFakeTrack(fmt.Sprintf("audio-%d", n), TrackAudio))
	}
	if c.Video {
		s.tracks = append(s.tracks, newFakeTrack(fmt.Sprintf("video-%d", n), TrackVideo))
	}
	d.streams = append(d.streams, s)
	return s, nil
}

var avConstraints = MediaConstraints{Audio: true, Video: true}

// fakePC follows the offer/answer rules of a real peer connection. It
// discovers one local candidate per local description and, with autoConnect,
// reports connected once both descriptions are in place.
type fakePC struct {
	mu          sync.Mutex
	name        string
	signaling   SignalingState
	local       *SessionDescription
	remote      *SessionDescription
	added       []ICECandidate
	tracks      []MediaTrack
	offers      int
	answers     int
	rollbacks   int
	closed      bool
	autoConnect bool
	connected   bool
	onCandidate func(ICECandidate)
	onICE       func(ICEConnectionState)
}

func newFakePC(name string, autoConnect bool) *fakePC {
	return &fakePC{name: name, signaling: SignalingStable, autoConnect: autoConnect}
}

func (p *fakePC) CreateOffer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return SessionDescription{Type: SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d", p.name, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != SignalingHaveRemoteOffer {
		return SessionDescription{}, fmt.Errorf("no remote offer")
	}
	p.answers++
	return SessionDescription{Type: SDPTypeAnswer, SDP: fmt.Sprintf("%s-answer-%d", p.name, p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(d SessionDescription) error {
	p.mu.Lock()
	switch d.Type {
	case SDPTypeOffer:
		if p.signaling != SignalingStable {
			p.mu.Unlock()
			return fmt.Errorf("local offer in %s", p.signaling)
		}
		p.signaling = SignalingHaveLocalOffer
	case SDPTypeAnswer:
		if p.signaling != SignalingHaveRemoteOffer {
			p.mu.Unlock()
			return fmt.Errorf("local answer in %s", p.signaling)
		}
		p.signaling = SignalingStable
	case SDPTypeRollback:
		if p.signaling != SignalingHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("rollback in %s", p.signaling)
		}
		p.rollbacks++
		p.signaling = SignalingStable
		p.local = nil
		p.mu.Unlock()
		return nil
	}
	desc := d
	p.local = &desc
	onCandidate := p.onCandidate
	candidate := ICECandidate{Candidate: fmt.Sprintf("candidate:%s-%s", p.name, d.Type)}
	p.mu.Unlock()

	if onCandidate != nil {
		onCandidate(candidate)
	}
	p.maybeConnect()
	return nil
}

func (p *fakePC) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	switch d.Type {
	case SDPTypeOffer:
		if p.signaling != SignalingStable {
			p.mu.Unlock()
			return fmt.Errorf("remote offer in %s", p.signaling)
		}
		p.signaling = SignalingHaveRemoteOffer
	case SDPTypeAnswer:
		if p.signaling != SignalingHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("remote answer in %s", p.signaling)
		}
		p.signaling = SignalingStable
	}
	desc := d
	p.remote = &desc
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *fakePC) maybeConnect() {
	p.mu.Lock()
	ready := p.autoConnect && !p.connected && !p.closed &&
		p.local != nil && p.remote != nil && p.signaling == SignalingStable
	if ready {
		p.connected = true
	}
	onICE := p.onICE
	p.mu.Unlock()

	if ready && onICE != nil {
		go onICE(ICEConnected)
	}
}

func (p *fakePC) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("candidate before remote description")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePC) AddTrack(t MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePC) SignalingState() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) OnICECandidate(f func(ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnICEConnectionStateChange(f func(ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.signaling = SignalingClosed
	return nil
}

func (p *fakePC) counts() (offers, answers, rollbacks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, p.rollbacks
}

func (p *fakePC) addedCandidates() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ICECandidate(nil), p.added...)
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func pcFactory(pc *fakePC) func() (PeerConnection, error) {
	return func() (PeerConnection, error) { return pc, nil }
}

// recorder collects what a negotiator reports.
type recorder struct {
	mu      sync.Mutex
	signals []Signal
	states  []State
}

func (r *recorder) emit(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) state(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) kinds() []SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalKind, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s.Kind)
	}
	return out
}

func (r *recorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}
