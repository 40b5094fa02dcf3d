// internal/websocket/hub.go
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clientdesk-service/internal/config"
	wstypes "clientdesk-service/internal/domain/websocket"
	"clientdesk-service/internal/pkg/jwt"
	"clientdesk-service/internal/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const roomSweepInterval = time.Minute

type roomOpKind int

const (
	opOpen roomOpKind = iota
	opJoin
	opLeave
	opSignal
	opClose
)

type roomOp struct {
	kind           roomOpKind
	client         *Client
	roomID         string
	relationshipID int64
	allowed        []int64
	signal         wstypes.CallSignal
	reason         string
	reply          chan roomReply
}

type roomReply struct {
	roomID string
	err    error
}

// RoomInfo is a read-only view of a room.
type RoomInfo struct {
	ID             string   `json:"room_id"`
	RelationshipID int64    `json:"relationship_id"`
	Participants   []string `json:"participants"`
}

// Hub owns every connected client and every call room on this instance. All
// membership changes run on the Run goroutine; readers take mu.
type Hub struct {
	// Registered clients by identity ID
	clients map[int64]map[*Client]bool
	// Call rooms by room ID and by relationship
	rooms               map[string]*Room
	roomsByRelationship map[int64]*Room
	mu                  sync.RWMutex

	register   chan *Client
	unregister chan *Client
	roomOps    chan *roomOp
	done       chan struct{}

	// Handler registry for modular message handling
	handlerRegistry *HandlerRegistry

	jwtVerifier     *jwt.Verifier
	maxParticipants int
	pendingRoomTTL  time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

func NewHub(jwtVerifier *jwt.Verifier, cfg config.CallConfig, logger *zap.Logger) *Hub {
	if cfg.MaxParticipants < 2 {
		cfg.MaxParticipants = 2
	}
	if cfg.PendingRoomTTL <= 0 {
		cfg.PendingRoomTTL = 10 * time.Minute
	}
	return &Hub{
		clients:             make(map[int64]map[*Client]bool),
		rooms:               make(map[string]*Room),
		roomsByRelationship: make(map[int64]*Room),
		register:            make(chan *Client),
		unregister:          make(chan *Client),
		roomOps:             make(chan *roomOp),
		done:                make(chan struct{}),
		handlerRegistry:     NewHandlerRegistry(),
		jwtVerifier:         jwtVerifier,
		maxParticipants:     cfg.MaxParticipants,
		pendingRoomTTL:      cfg.PendingRoomTTL,
		now:                 time.Now,
		logger:              logger,
	}
}

// AuthenticateClient validates the access token a connection presented.
func (h *Hub) AuthenticateClient(token string) (*ClientAuth, error) {
	claims, err := h.jwtVerifier.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &ClientAuth{
		IdentityID: claims.IdentityID,
		SessionID:  claims.ID,
		Roles:      claims.Roles,
	}, nil
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// HandleClientMessage routes a message to its registered handler. It reports
// false when no handler owns the event type.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

// Register hands a freshly upgraded client to the hub.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes the client from the hub and from every room it joined.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(roomSweepInterval)
	defer func() {
		ticker.Stop()
		h.shutdown()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case op := <-h.roomOps:
			op.reply <- h.applyRoomOp(op)

		case <-ticker.C:
			h.expireRooms()
		}
	}
}

// OpenRoom returns the room for the relationship, creating it if needed.
// Only the allowed identities may join it.
func (h *Hub) OpenRoom(ctx context.Context, relationshipID int64, allowed []int64) (string, error) {
	return h.do(ctx, &roomOp{kind: opOpen, relationshipID: relationshipID, allowed: allowed})
}

func (h *Hub) JoinRoom(ctx context.Context, client *Client, roomID string) error {
	_, err := h.do(ctx, &roomOp{kind: opJoin, client: client, roomID: roomID})
	return err
}

func (h *Hub) LeaveRoom(ctx context.Context, client *Client, roomID string) error {
	_, err := h.do(ctx, &roomOp{kind: opLeave, client: client, roomID: roomID})
	return err
}

// RelaySignal stamps the signal with the sender's identity and delivers it to
// every connection in the room, the sender's included.
func (h *Hub) RelaySignal(ctx context.Context, client *Client, roomID string, signal wstypes.CallSignal) error {
	_, err := h.do(ctx, &roomOp{kind: opSignal, client: client, roomID: roomID, signal: signal})
	return err
}

// CloseRoom notifies the members and removes the room.
func (h *Hub) CloseRoom(ctx context.Context, roomID, reason string) error {
	_, err := h.do(ctx, &roomOp{kind: opClose, roomID: roomID, reason: reason})
	return err
}

// Room returns a snapshot of the room.
func (h *Hub) Room(roomID string) (*RoomInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &RoomInfo{ID: r.ID, RelationshipID: r.RelationshipID, Participants: r.Participants()}, nil
}

func (h *Hub) do(ctx context.Context, op *roomOp) (string, error) {
	op.reply = make(chan roomReply, 1)
	select {
	case h.roomOps <- op:
	case <-h.done:
		return "", ErrHubStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-op.reply:
		return r.roomID, r.err
	case <-h.done:
		return "", ErrHubStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Hub) applyRoomOp(op *roomOp) roomReply {
	h.mu.Lock()
	defer h.mu.Unlock()

	if op.kind == opOpen {
		return roomReply{roomID: h.openRoom(op.relationshipID, op.allowed)}
	}

	r, ok := h.rooms[op.roomID]
	if !ok {
		return roomReply{err: ErrRoomNotFound}
	}

	switch op.kind {
	case opJoin:
		return roomReply{roomID: r.ID, err: h.joinRoom(r, op.client)}
	case opLeave:
		if !r.members[op.client] {
			return roomReply{err: ErrNotInRoom}
		}
		h.removeMember(r, op.client)
	case opSignal:
		if !r.members[op.client] {
			return roomReply{err: ErrNotInRoom}
		}
		h.relay(r, op.client, op.signal)
	case opClose:
		h.closeRoom(r, op.reason)
	}
	return roomReply{roomID: r.ID}
}

func (h *Hub) openRoom(relationshipID int64, allowed []int64) string {
	if r, ok := h.roomsByRelationship[relationshipID]; ok {
		return r.ID
	}

	r := newRoom(uuid.NewString(), relationshipID, allowed, h.now())
	h.rooms[r.ID] = r
	h.roomsByRelationship[relationshipID] = r
	metrics.CallRooms.Inc()

	h.logger.Info("call room opened",
		zap.String("room_id", r.ID),
		zap.Int64("relationship_id", relationshipID))
	return r.ID
}

func (h *Hub) joinRoom(r *Room, client *Client) error {
	if !r.Allows(client.identityID) {
		return ErrRoomForbidden
	}
	if r.members[client] {
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeCallJoined, wstypes.CallPresenceData{
			RoomID:       r.ID,
			Participants: r.Participants(),
		}))
		return nil
	}
	if !r.hasIdentity(client.identityID) && r.distinctIdentities() >= h.maxParticipants {
		return ErrRoomFull
	}

	r.members[client] = true
	r.joined = true
	client.rooms[r.ID] = true

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeCallJoined, wstypes.CallPresenceData{
		RoomID:       r.ID,
		Participants: r.Participants(),
	}))
	h.broadcastPresence(r)

	h.logger.Debug("joined call room",
		zap.String("room_id", r.ID),
		zap.Int64("identity_id", client.identityID))
	return nil
}

func (h *Hub) relay(r *Room, sender *Client, signal wstypes.CallSignal) {
	signal.SenderID = ParticipantID(sender.identityID)
	msg := wstypes.NewMessage(wstypes.EventTypeCallSignal, wstypes.CallSignalData{
		RoomID: r.ID,
		Signal: signal,
	})
	for member := range r.members {
		member.SendMessage(msg)
	}
	metrics.SignalsRelayedTotal.WithLabelValues(signal.Kind).Inc()
}

// removeMember drops the client from the room; the last one out closes it.
func (h *Hub) removeMember(r *Room, client *Client) {
	delete(r.members, client)
	delete(client.rooms, r.ID)

	if len(r.members) == 0 {
		h.deleteRoom(r)
		return
	}
	h.broadcastPresence(r)
}

func (h *Hub) closeRoom(r *Room, reason string) {
	msg := wstypes.NewMessage(wstypes.EventTypeCallClosed, wstypes.CallClosedData{RoomID: r.ID, Reason: reason})
	for member := range r.members {
		member.SendMessage(msg)
		delete(member.rooms, r.ID)
	}
	h.deleteRoom(r)
}

func (h *Hub) deleteRoom(r *Room) {
	delete(h.rooms, r.ID)
	if h.roomsByRelationship[r.RelationshipID] == r {
		delete(h.roomsByRelationship, r.RelationshipID)
	}
	metrics.CallRooms.Dec()

	h.logger.Info("call room closed",
		zap.String("room_id", r.ID),
		zap.Int64("relationship_id", r.RelationshipID))
}

func (h *Hub) broadcastPresence(r *Room) {
	msg := wstypes.NewMessage(wstypes.EventTypeCallPresence, wstypes.CallPresenceData{
		RoomID:       r.ID,
		Participants: r.Participants(),
	})
	for member := range r.members {
		member.SendMessage(msg)
	}
}

func (h *Hub) expireRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for _, r := range h.rooms {
		if r.expired(now, h.pendingRoomTTL) {
			h.deleteRoom(r)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.identityID] == nil {
		h.clients[client.identityID] = make(map[*Client]bool)
	}
	h.clients[client.identityID][client] = true

	h.logger.Info("client connected",
		zap.Int64("identity_id", client.identityID),
		zap.String("session_id", client.sessionID),
		zap.Int("total", h.totalClients()))

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"identity_id":    client.identityID,
		"participant_id": ParticipantID(client.identityID),
		"session_id":     client.sessionID,
		"roles":          client.roles,
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.identityID]
	if !ok || !clients[client] {
		return
	}

	for roomID := range client.rooms {
		if r, ok := h.rooms[roomID]; ok {
			h.removeMember(r, client)
		}
	}

	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, client.identityID)
	}

	h.logger.Info("client disconnected",
		zap.Int64("identity_id", client.identityID),
		zap.String("session_id", client.sessionID),
		zap.Int("total", h.totalClients()))
}

// NotifyIdentities sends msg to every connection of the given identities.
// It reports how many connections it reached.
func (h *Hub) NotifyIdentities(identityIDs []int64, msg *wstypes.WSMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, identityID := range identityIDs {
		for client := range h.clients[identityID] {
			client.SendMessage(msg)
			sent++
		}
	}
	return sent
}

// DisconnectSession closes every connection opened with the access token
// sessionID. Their rooms see them leave as on any disconnect.
func (h *Hub) DisconnectSession(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	closed := 0
	for _, clients := range h.clients {
		for client := range clients {
			if client.GetSessionID() == sessionID {
				client.Close()
				closed++
			}
		}
	}
	return closed
}

func (h *Hub) GetConnectedClients(identityID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[identityID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

func (h *Hub) TotalRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.rooms {
		h.closeRoom(r, "shutdown")
	}
	for _, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
	}
}
