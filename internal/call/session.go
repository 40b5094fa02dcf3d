// internal/call/session.go
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultInitiatorDelay = 500 * time.Millisecond

	eventQueueSize = 64
)

// SessionConfig describes one call from one peer's side.
type SessionConfig struct {
	RoomID string
	SelfID string

	Transport         Transport
	Devices           MediaDevices
	NewPeerConnection func() (PeerConnection, error)
	Constraints       MediaConstraints

	// ConnectTimeout bounds the time from Start to connected. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// InitiatorDelay lets the other peer finish joining before the offer is
	// sent. Zero means DefaultInitiatorDelay.
	InitiatorDelay time.Duration

	// OnStateChange and OnPresence run on the session loop and must not call End.
	OnStateChange func(State)
	OnPresence    func(participants []string)
	// OnEnded fires once after teardown with the reason the call ended; nil
	// for a user hangup.
	OnEnded func(error)

	Logger *zap.Logger
}

type toggleCmd struct {
	kind    TrackKind
	enabled bool
}

// Session owns one call: local media, the negotiator and the channel. Every
// negotiator mutation runs on the session's event loop goroutine; transport
// and connection callbacks only post events to it.
type Session struct {
	cfg        SessionConfig
	logger     *zap.Logger
	negotiator *Negotiator
	channel    *Channel

	signals         chan Signal
	presence        chan []string
	localCandidates chan ICECandidate
	iceStates       chan ICEConnectionState
	toggles         chan toggleCmd
	initiate        chan struct{}
	timeout         chan struct{}
	closed          chan error

	participants   []string
	offerScheduled bool
	timers         []*time.Timer

	mu        sync.Mutex
	state     State
	started   bool
	endOnce   sync.Once
	ending    chan struct{}
	endReason error
	done      chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InitiatorDelay <= 0 {
		cfg.InitiatorDelay = DefaultInitiatorDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room_id", cfg.RoomID), zap.String("participant", cfg.SelfID))

	s := &Session{
		cfg:             cfg,
		logger:          logger,
		signals:         make(chan Signal, eventQueueSize),
		presence:        make(chan []string, eventQueueSize),
		localCandidates: make(chan ICECandidate, eventQueueSize),
		iceStates:       make(chan ICEConnectionState, eventQueueSize),
		toggles:         make(chan toggleCmd, eventQueueSize),
		initiate:        make(chan struct{}, 1),
		timeout:         make(chan struct{}, 1),
		closed:          make(chan error, 1),
		state:           StateIdle,
		ending:          make(chan struct{}),
		done:            make(chan struct{}),
	}

	s.negotiator = NewNegotiator(NegotiatorConfig{
		Devices:           cfg.Devices,
		NewPeerConnection: cfg.NewPeerConnection,
		Constraints:       cfg.Constraints,
		Emit:              s.publish,
		OnStateChange:     s.stateChanged,
		OnLocalCandidate:  func(c ICECandidate) { post(s, s.localCandidates, c) },
		OnICEState:        func(st ICEConnectionState) { post(s, s.iceStates, st) },
		Logger:            logger,
	})
	s.channel = NewChannel(cfg.Transport, cfg.RoomID, cfg.SelfID, ChannelHandlers{
		OnSignal:   func(sig Signal) { post(s, s.signals, sig) },
		OnPresence: func(p []string) { post(s, s.presence, p) },
		OnClosed:   func(err error) { post(s, s.closed, err) },
	})
	return s
}

// post hands an event to the loop, dropping it once the session is ending.
func post[T any](s *Session, ch chan T, v T) {
	select {
	case <-s.ending:
	case ch <- v:
	}
}

// Start acquires media, creates the connection, joins the room and starts
// the connection timeout. On error everything acquired so far is released.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrInvalidState)
	}
	s.started = true
	s.mu.Unlock()

	if err := s.setup(ctx); err != nil {
		s.negotiator.Close()
		_ = s.channel.Leave()
		s.finish(err)
		close(s.done)
		return err
	}

	s.arm(s.cfg.ConnectTimeout, s.timeout)
	go s.run()
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	if err := s.negotiator.AcquireLocalMedia(ctx); err != nil {
		return err
	}
	if err := s.negotiator.CreateConnection(); err != nil {
		return err
	}
	return s.channel.Join(ctx)
}

func (s *Session) run() {
	for {
		// Teardown wins over any event already queued.
		select {
		case <-s.ending:
			s.stop()
			return
		default:
		}

		select {
		case <-s.ending:
			s.stop()
			return

		case sig := <-s.signals:
			s.handleSignal(sig)

		case p := <-s.presence:
			s.handlePresence(p)

		case c := <-s.localCandidates:
			s.negotiator.HandleLocalCandidate(c)

		case st := <-s.iceStates:
			s.negotiator.HandleICEState(st)

		case t := <-s.toggles:
			s.negotiator.SetTrackEnabled(t.kind, t.enabled)

		case <-s.initiate:
			s.handleInitiate()

		case err := <-s.closed:
			s.logger.Info("call room went away", zap.Error(err))
			s.finish(err)

		case <-s.timeout:
			if !s.negotiator.Connected() && !s.negotiator.State().Terminal() {
				s.logger.Warn("call did not connect in time", zap.Duration("timeout", s.cfg.ConnectTimeout))
				s.finish(ErrConnectionTimeout)
			}
		}

		if err := s.negotiator.Err(); err != nil {
			s.finish(err)
		}
	}
}

func (s *Session) handleSignal(sig Signal) {
	if err := sig.Validate(); err != nil {
		s.logger.Warn("dropping malformed signal", zap.String("sender", sig.SenderID), zap.Error(err))
		return
	}

	var err error
	switch sig.Kind {
	case SignalOffer:
		err = s.negotiator.ApplyRemoteOffer(*sig.Description)
	case SignalAnswer:
		err = s.negotiator.ApplyRemoteAnswer(*sig.Description)
	case SignalCandidate:
		err = s.negotiator.ApplyRemoteCandidate(*sig.Candidate)
	}
	if errors.Is(err, ErrInvalidState) {
		s.logger.Info("ignoring signal in current state",
			zap.String("kind", string(sig.Kind)),
			zap.String("state", string(s.negotiator.State())))
	}
}

func (s *Session) handlePresence(participants []string) {
	s.participants = participants
	if s.cfg.OnPresence != nil {
		s.cfg.OnPresence(append([]string(nil), participants...))
	}

	if s.offerScheduled || ElectInitiator(participants) != s.cfg.SelfID {
		return
	}
	if s.negotiator.State() != StateConnectionCreated {
		return
	}
	s.offerScheduled = true
	s.arm(s.cfg.InitiatorDelay, s.initiate)
}

func (s *Session) handleInitiate() {
	// The room may have changed during the delay.
	if ElectInitiator(s.participants) != s.cfg.SelfID {
		s.offerScheduled = false
		return
	}
	if err := s.negotiator.CreateOffer(); err != nil && errors.Is(err, ErrInvalidState) {
		s.logger.Info("skipping offer", zap.String("state", string(s.negotiator.State())))
	}
}

// arm fires a non-blocking send on ch after d.
func (s *Session) arm(d time.Duration, ch chan struct{}) {
	s.timers = append(s.timers, time.AfterFunc(d, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}))
}

func (s *Session) publish(sig Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.channel.Publish(ctx, sig); err != nil && !errors.Is(err, ErrSessionEnded) {
		s.logger.Warn("failed to publish signal", zap.String("kind", string(sig.Kind)), zap.Error(err))
	}
}

func (s *Session) stateChanged(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// finish records why the call ends and asks the loop to tear down. Only the
// first reason is kept.
func (s *Session) finish(reason error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		s.mu.Unlock()
		close(s.ending)
	})
}

// stop tears the call down, marks the session done and reports the reason.
func (s *Session) stop() {
	reason := s.teardown()
	close(s.done)
	if s.cfg.OnEnded != nil {
		s.cfg.OnEnded(reason)
	}
}

func (s *Session) teardown() error {
	for _, t := range s.timers {
		t.Stop()
	}
	s.negotiator.Close()
	if err := s.channel.Leave(); err != nil {
		s.logger.Warn("failed to leave call room", zap.Error(err))
	}

	s.mu.Lock()
	reason := s.endReason
	s.mu.Unlock()

	if reason != nil {
		s.logger.Info("call ended", zap.Error(reason))
	} else {
		s.logger.Info("call ended by user")
	}
	return reason
}

// End hangs up. It releases media, the connection and the room membership
// and waits for that to finish. Safe to call any number of times.
func (s *Session) End() {
	s.mu.Lock()
	started := s.started
	if !started {
		s.started = true
	}
	s.mu.Unlock()

	s.finish(nil)
	if !started {
		// Never started: nothing is held, no loop to wait for.
		s.negotiator.Close()
		close(s.done)
		return
	}
	<-s.done
}

// Done is closed once the call has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the call ended, or nil if it is live or ended by the user.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAudioEnabled mutes or unmutes the local microphone without renegotiating.
func (s *Session) SetAudioEnabled(enabled bool) {
	post(s, s.toggles, toggleCmd{kind: TrackAudio, enabled: enabled})
}

// SetVideoEnabled turns the local camera track on or off without renegotiating.
func (s *Session) SetVideoEnabled(enabled bool) {
	post(s, s.toggles, toggleCmd{kind: TrackVideo, enabled: enabled})
}

// LocalStream exposes the local media, for rendering and for checking release after End.
func (s *Session) LocalStream() MediaStream {
	return s.negotiator.LocalStream()
}
