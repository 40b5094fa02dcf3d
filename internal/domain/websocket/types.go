// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Call events (client -> server)
	EventTypeCallJoin  EventType = "call:join"
	EventTypeCallLeave EventType = "call:leave"

	// Call events (both directions)
	EventTypeCallSignal EventType = "call:signal"

	// Call events (server -> client)
	EventTypeCallPresence EventType = "call:presence"
	EventTypeCallJoined   EventType = "call:joined"
	EventTypeCallClosed   EventType = "call:closed"
	EventTypeCallIncoming EventType = "call:incoming"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CallRoomRequest is sent with call:join and call:leave.
type CallRoomRequest struct {
	RoomID string `json:"room_id"`
}

// CallSignal is relayed verbatim apart from SenderID, which the server sets
// to the sending identity. Payload holds the description or candidate.
type CallSignal struct {
	Kind     string          `json:"kind"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

type CallSignalData struct {
	RoomID string     `json:"room_id"`
	Signal CallSignal `json:"signal"`
}

// CallPresenceData is the full sorted participant set of a room.
type CallPresenceData struct {
	RoomID       string   `json:"room_id"`
	Participants []string `json:"participants"`
}

// CallIncomingData rings the other side of a relationship when a call opens.
type CallIncomingData struct {
	RoomID         string `json:"room_id"`
	RelationshipID int64  `json:"relationship_id"`
	From           string `json:"from"`
}

type CallClosedData struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// Helper to create messages
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeData converts the loosely typed Data of a parsed message into target.
func DecodeData(data interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}
