package types

import (
	"encoding/json"
	"time"
)

// MessageStatus tracks a message from the sender's point of view.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses so that late receipts never move a message backwards.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// ReceiptKind is the kind of an acknowledgement. A device acks with
// ReceiptRejected a message it can never decrypt.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
	ReceiptRejected  ReceiptKind = "rejected"
)

// Valid reports whether k is a known receipt kind.
func (k ReceiptKind) Valid() bool {
	switch k {
	case ReceiptDelivered, ReceiptRead, ReceiptRejected:
		return true
	}
	return false
}

// Receipt is one acknowledgement recorded by the delivery pipeline. A receipt
// is unique on (MessageID, User, Kind).
type Receipt struct {
	MessageID MessageID
	User      UserID
	Device    DeviceID
	Kind      ReceiptKind
	At        time.Time
}

// FrameType tags real-time control frames.
type FrameType string

const (
	FrameNewMessage FrameType = "new_message"
	FrameSend       FrameType = "send"
	FrameSent       FrameType = "sent"
	FrameTyping     FrameType = "typing"
	FramePresence   FrameType = "presence"
	FrameAck        FrameType = "ack"
	FrameReceipt    FrameType = "receipt"
	FrameKeysLow    FrameType = "keys_low"
	FrameError      FrameType = "error"
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
)

// Frame is one JSON message on the delivery websocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeviceEnvelope is the encoded envelope addressed to one recipient device.
type DeviceEnvelope struct {
	Device   DeviceID        `json:"device_id"`
	Envelope json.RawMessage `json:"envelope"`
}

// SendPayload is sent by a device to hand a message to the pipeline.
type SendPayload struct {
	MessageID      MessageID        `json:"message_id"`
	ConversationID ConversationID   `json:"conversation_id,omitempty"`
	To             UserID           `json:"to"`
	Envelopes      []DeviceEnvelope `json:"envelopes"`
}

// SentPayload confirms that the pipeline accepted a message.
type SentPayload struct {
	MessageID      MessageID  `json:"message_id"`
	Delivered      int        `json:"delivered"`
	Queued         int        `json:"queued"`
	MissingDevices []DeviceID `json:"missing_devices,omitempty"`
	StaleDevices   []DeviceID `json:"stale_devices,omitempty"`
}

// NewMessagePayload carries one envelope to its recipient device.
type NewMessagePayload struct {
	MessageID      MessageID       `json:"message_id"`
	ConversationID ConversationID  `json:"conversation_id,omitempty"`
	From           Address         `json:"from"`
	Envelope       json.RawMessage `json:"envelope"`
	SentAt         time.Time       `json:"sent_at"`
}

// TypingPayload is relayed live and never stored.
type TypingPayload struct {
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	To             UserID         `json:"to,omitempty"`
	From           UserID         `json:"from,omitempty"`
	IsTyping       bool           `json:"is_typing"`
}

// PresencePayload reports or queries a user's presence.
type PresencePayload struct {
	User   UserID `json:"user,omitempty"`
	Status string `json:"status"`
}

// AckPayload acknowledges a message on behalf of the sending device.
type AckPayload struct {
	MessageID MessageID   `json:"message_id"`
	Kind      ReceiptKind `json:"kind"`
}

// ReceiptPayload tells the original sender that a recipient acknowledged.
type ReceiptPayload struct {
	MessageID MessageID   `json:"message_id"`
	From      Address     `json:"from"`
	Kind      ReceiptKind `json:"kind"`
}

// KeysLowPayload asks a device to upload more one-time pre-keys.
type KeysLowPayload struct {
	Remaining int `json:"remaining"`
}

// ErrorPayload reports a rejected frame.
type ErrorPayload struct {
	MessageID MessageID `json:"message_id,omitempty"`
	Message   string    `json:"message"`
}
