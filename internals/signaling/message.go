package signaling

import (
	"encoding/json"
	"time"
)

type MessageType string

// Inbound events (client -> broker).
const (
	MessageTypeCreateSession MessageType = "create-session"
	MessageTypeJoinSession   MessageType = "join-session"
	MessageTypePong          MessageType = "pong"
)

// Outbound events (broker -> client).
const (
	MessageTypeSessionCreated   MessageType = "session-created"
	MessageTypeSessionNotFound  MessageType = "session-not-found"
	MessageTypeSessionJoined    MessageType = "session-joined-success"
	MessageTypeSessionActivated MessageType = "session-activated"
	MessageTypeSessionEnded     MessageType = "session-ended"
	MessageTypePeerJoined       MessageType = "peer-joined"
	MessageTypePeerLeft         MessageType = "peer-left"
	MessageTypeError            MessageType = "error"
	MessageTypePing             MessageType = "ping"
)

// Message is the wire envelope for every event in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

type JoinSessionRequest struct {
	RoomID string `json:"roomId"`
}

type SessionCreatedPayload struct {
	RoomID string `json:"roomId"`
}

type SessionNotFoundPayload struct {
	RoomID string `json:"roomId"`
}

// SessionJoinedPayload reports the admission outcome to the joining peer.
// Position is set only when Status is "queued".
type SessionJoinedPayload struct {
	RoomID   string `json:"roomId"`
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
}

type SessionActivatedPayload struct {
	RoomID string `json:"roomId"`
}

type PeerJoinedPayload struct {
	PeerID string `json:"peerId"`
}

type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
}

type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMessage marshals a payload into a timestamped envelope.
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = data
	}
	return msg, nil
}
