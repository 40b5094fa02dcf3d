// internal/call/ws_transport.go
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	wstypes "clientdesk-service/internal/domain/websocket"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait   = 10 * time.Second
	wsJoinTimeout = 10 * time.Second
)

// ErrJoinRejected is returned when the signaling server refuses a room join.
var ErrJoinRejected = errors.New("call room join rejected")

// WSTransport joins rooms on the signaling server's websocket endpoint, one
// connection per membership. The server identifies the participant from the
// token, so the participant id passed to Join must be the token's identity.
type WSTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewWSTransport(url, token string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

func (t *WSTransport) Join(ctx context.Context, roomID, participantID string, handler TransportHandler) (Membership, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	m := &wsMember{
		conn:    conn,
		roomID:  roomID,
		handler: handler,
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.String("room_id", roomID), zap.String("participant", participantID)),
	}

	if err := m.write(wstypes.NewMessage(wstypes.EventTypeCallJoin, wstypes.CallRoomRequest{RoomID: roomID})); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	if err := m.awaitJoined(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go m.readLoop()
	return m, nil
}

type wsMember struct {
	conn    *websocket.Conn
	roomID  string
	handler TransportHandler
	logger  *zap.Logger

	writeMu    sync.Mutex
	done       chan struct{}
	once       sync.Once
	closedOnce sync.Once
}

// awaitJoined reads until the server confirms the join or rejects it.
func (m *wsMember) awaitJoined(ctx context.Context) error {
	deadline := time.Now().Add(wsJoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	m.conn.SetReadDeadline(deadline)
	defer m.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := m.read()
		if err != nil {
			return fmt.Errorf("await join: %w", err)
		}

		switch msg.Type {
		case wstypes.EventTypeCallJoined:
			var data wstypes.CallPresenceData
			if err := wstypes.DecodeData(msg.Data, &data); err == nil && data.RoomID == m.roomID {
				return nil
			}
		case wstypes.EventTypeError:
			var data wstypes.ErrorData
			_ = wstypes.DecodeData(msg.Data, &data)
			return fmt.Errorf("%w: %s: %s", ErrJoinRejected, data.Code, data.Message)
		}
	}
}

func (m *wsMember) readLoop() {
	for {
		msg, err := m.read()
		if err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Warn("signaling connection lost", zap.Error(err))
				m.closed(fmt.Errorf("%w: %v", ErrSignalingLost, err))
			}
			return
		}
		m.dispatch(msg)
	}
}

func (m *wsMember) dispatch(msg *wstypes.WSMessage) {
	switch msg.Type {
	case wstypes.EventTypeCallSignal:
		var data wstypes.CallSignalData
		if err := wstypes.DecodeData(msg.Data, &data); err != nil || data.RoomID != m.roomID {
			return
		}
		sig, err := signalFromWire(data.Signal)
		if err != nil {
			m.logger.Warn("dropping undecodable signal", zap.Error(err))
			return
		}
		if m.handler.OnSignal != nil {
			m.handler.OnSignal(sig)
		}

	case wstypes.EventTypeCallPresence:
		var data wstypes.CallPresenceData
		if err := wstypes.DecodeData(msg.Data, &data); err != nil || data.RoomID != m.roomID {
			return
		}
		if m.handler.OnPresence != nil {
			m.handler.OnPresence(data.Participants)
		}

	case wstypes.EventTypeCallClosed:
		var data wstypes.CallClosedData
		if err := wstypes.DecodeData(msg.Data, &data); err != nil || data.RoomID != m.roomID {
			return
		}
		m.logger.Info("call room closed by server", zap.String("reason", data.Reason))
		m.closed(fmt.Errorf("%w: %s", ErrRoomClosed, data.Reason))

	case wstypes.EventTypeError:
		var data wstypes.ErrorData
		_ = wstypes.DecodeData(msg.Data, &data)
		m.logger.Warn("signaling server error", zap.String("code", data.Code), zap.String("message", data.Message))
	}
}

// closed reports the end of the room once, unless Leave got there first.
func (m *wsMember) closed(reason error) {
	select {
	case <-m.done:
		return
	default:
	}
	m.closedOnce.Do(func() {
		if m.handler.OnClosed != nil {
			m.handler.OnClosed(reason)
		}
	})
}

func (m *wsMember) Publish(ctx context.Context, s Signal) error {
	select {
	case <-m.done:
		return ErrSessionEnded
	default:
	}

	wire, err := signalToWire(s)
	if err != nil {
		return err
	}
	return m.write(wstypes.NewMessage(wstypes.EventTypeCallSignal, wstypes.CallSignalData{
		RoomID: m.roomID,
		Signal: wire,
	}))
}

func (m *wsMember) Leave() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.write(wstypes.NewMessage(wstypes.EventTypeCallLeave, wstypes.CallRoomRequest{RoomID: m.roomID}))

		m.writeMu.Lock()
		m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()

		m.conn.Close()
	})
	return err
}

func (m *wsMember) read() (*wstypes.WSMessage, error) {
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wstypes.ParseMessage(data)
}

func (m *wsMember) write(msg *wstypes.WSMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// signalToWire moves the description or candidate into the opaque payload
// the server relays.
func signalToWire(s Signal) (wstypes.CallSignal, error) {
	var payload interface{}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		payload = s.Description
	case SignalCandidate:
		payload = s.Candidate
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return wstypes.CallSignal{}, fmt.Errorf("encode %s signal: %w", s.Kind, err)
	}
	return wstypes.CallSignal{Kind: string(s.Kind), SenderID: s.SenderID, Payload: raw}, nil
}

func signalFromWire(w wstypes.CallSignal) (Signal, error) {
	s := Signal{Kind: SignalKind(w.Kind), SenderID: w.SenderID}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(w.Payload, &desc); err != nil {
			return Signal{}, fmt.Errorf("decode %s payload: %w", s.Kind, err)
		}
		s.Description = &desc
	case SignalCandidate:
		var cand ICECandidate
		if err := json.Unmarshal(w.Payload, &cand); err != nil {
			return Signal{}, fmt.Errorf("decode candidate payload: %w", err)
		}
		s.Candidate = &cand
	default:
		return Signal{}, fmt.Errorf("unknown signal kind %q", w.Kind)
	}
	return s, nil
}
