// internal/websocket/handler/call.go
package handlers

import (
	"context"
	"fmt"

	wstypes "clientdesk-service/internal/domain/websocket"
	ws "clientdesk-service/internal/websocket"

	"go.uber.org/zap"
)

// CallHandler relays call signaling between the members of a room.
type CallHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

func NewCallHandler(hub *ws.Hub, logger *zap.Logger) *CallHandler {
	return &CallHandler{
		hub:    hub,
		logger: logger,
	}
}

// SupportedEvents returns events this handler supports
func (h *CallHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeCallJoin,
		wstypes.EventTypeCallLeave,
		wstypes.EventTypeCallSignal,
	}
}

// HandleMessage processes call-related messages
func (h *CallHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeCallJoin:
		req, err := decodeRoomRequest(msg)
		if err != nil {
			return err
		}
		return h.hub.JoinRoom(ctx, client, req.RoomID)

	case wstypes.EventTypeCallLeave:
		req, err := decodeRoomRequest(msg)
		if err != nil {
			return err
		}
		return h.hub.LeaveRoom(ctx, client, req.RoomID)

	case wstypes.EventTypeCallSignal:
		return h.handleSignal(ctx, client, msg)

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

func (h *CallHandler) handleSignal(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req wstypes.CallSignalData
	if err := wstypes.DecodeData(msg.Data, &req); err != nil {
		return fmt.Errorf("%w: %v", ws.ErrInvalidRequest, err)
	}
	if req.RoomID == "" || req.Signal.Kind == "" {
		return fmt.Errorf("%w: room_id and signal kind are required", ws.ErrInvalidRequest)
	}

	if err := h.hub.RelaySignal(ctx, client, req.RoomID, req.Signal); err != nil {
		h.logger.Debug("signal not relayed",
			zap.Int64("identity_id", client.GetIdentityID()),
			zap.String("room_id", req.RoomID),
			zap.Error(err))
		return err
	}
	return nil
}

func decodeRoomRequest(msg *wstypes.WSMessage) (*wstypes.CallRoomRequest, error) {
	var req wstypes.CallRoomRequest
	if err := wstypes.DecodeData(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ws.ErrInvalidRequest, err)
	}
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: room_id is required", ws.ErrInvalidRequest)
	}
	return &req, nil
}
