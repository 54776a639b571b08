package websocket

import (
	"encoding/json"
	"time"

	"voice-sync/internal/domain"
)

type MessageType string

const (
	TypeEvent     MessageType = "event"
	TypeSubscribe MessageType = "subscribe"
	TypeAck       MessageType = "ack"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload narrows an observer to one peer. An empty PeerID
// subscribes to every peer.
type SubscribePayload struct {
	PeerID string `json:"peer_id"`
}

type AckPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventPayload wraps a sync event as sent to observers.
type EventPayload = domain.SyncEvent

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
