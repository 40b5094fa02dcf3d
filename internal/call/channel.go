// internal/call/channel.go
package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Transport is a named-room publish/subscribe primitive with presence.
type Transport interface {
	// Join enters roomID as participantID. Signals published to the room,
	// including the member's own, and presence snapshots arrive on handler.
	Join(ctx context.Context, roomID, participantID string, handler TransportHandler) (Membership, error)
}

type TransportHandler struct {
	OnSignal   func(Signal)
	OnPresence func(participants []string)
	// OnClosed fires at most once when the room goes away without Leave:
	// closed by the server or the connection to it lost.
	OnClosed func(reason error)
}

// Membership is one participant's presence in a room.
type Membership interface {
	Publish(ctx context.Context, s Signal) error
	Leave() error
}

// ChannelHandlers receive what the channel lets through.
type ChannelHandlers struct {
	OnSignal func(Signal)
	// OnPresence receives the full, sorted set of distinct participants on every change.
	OnPresence func(participants []string)
	OnClosed   func(reason error)
}

// Channel is one peer's view of a call room: outbound signals are stamped
// with the peer's identity and inbound signals from that identity are dropped.
type Channel struct {
	transport Transport
	roomID    string
	selfID    string
	handlers  ChannelHandlers

	mu         sync.Mutex
	membership Membership
	left       bool
}

func NewChannel(transport Transport, roomID, selfID string, handlers ChannelHandlers) *Channel {
	return &Channel{
		transport: transport,
		roomID:    roomID,
		selfID:    selfID,
		handlers:  handlers,
	}
}

// Join subscribes to the room with presence tracking.
func (c *Channel) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return ErrSessionEnded
	}
	if c.membership != nil {
		return nil
	}

	m, err := c.transport.Join(ctx, c.roomID, c.selfID, TransportHandler{
		OnSignal:   c.deliverSignal,
		OnPresence: c.deliverPresence,
		OnClosed:   c.deliverClosed,
	})
	if err != nil {
		return fmt.Errorf("join room %s: %w", c.roomID, err)
	}
	c.membership = m
	return nil
}

// Publish stamps s with this peer's identity and sends it to the room.
func (c *Channel) Publish(ctx context.Context, s Signal) error {
	c.mu.Lock()
	m, left := c.membership, c.left
	c.mu.Unlock()
	if left {
		return ErrSessionEnded
	}
	if m == nil {
		return fmt.Errorf("%w: channel not joined", ErrInvalidState)
	}

	s.SenderID = c.selfID
	return m.Publish(ctx, s)
}

// Leave unsubscribes from the room. Later calls and late messages are no-ops.
func (c *Channel) Leave() error {
	c.mu.Lock()
	m := c.membership
	already := c.left
	c.left = true
	c.membership = nil
	c.mu.Unlock()

	if already || m == nil {
		return nil
	}
	return m.Leave()
}

func (c *Channel) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *Channel) deliverSignal(s Signal) {
	if s.SenderID == c.selfID || c.isLeft() {
		return
	}
	if c.handlers.OnSignal != nil {
		c.handlers.OnSignal(s)
	}
}

func (c *Channel) deliverPresence(participants []string) {
	if c.isLeft() || c.handlers.OnPresence == nil {
		return
	}
	c.handlers.OnPresence(NormalizePresence(participants))
}

func (c *Channel) deliverClosed(reason error) {
	if c.isLeft() || c.handlers.OnClosed == nil {
		return
	}
	c.handlers.OnClosed(reason)
}

// NormalizePresence returns the distinct identities of participants in sorted order.
func NormalizePresence(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ElectInitiator returns the participant that creates the offer, or "" unless
// exactly two distinct participants are present.
func ElectInitiator(participants []string) string {
	p := NormalizePresence(participants)
	if len(p) != 2 {
		return ""
	}
	return p[0]
}
