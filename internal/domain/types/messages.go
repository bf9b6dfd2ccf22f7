package types

import "time"

// EnvelopeType tags the variants of Envelope on the wire.
type EnvelopeType string

const (
	EnvelopePreKey  EnvelopeType = "prekey"
	EnvelopeMessage EnvelopeType = "message"
)

// Envelope is the opaque ciphertext unit carried by the delivery pipeline.
// The variants are *PreKeyMessage and *RatchetMessage.
type Envelope interface {
	Type() EnvelopeType
	envelope()
}

// RatchetMessage is an ordinary Double Ratchet message.
type RatchetMessage struct {
	RatchetKey      X25519Public
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
	MAC             []byte
}

// Type implements Envelope.
func (*RatchetMessage) Type() EnvelopeType { return EnvelopeMessage }
func (*RatchetMessage) envelope()          {}

// PreKeyMessage carries the X3DH parameters needed by a responder that has no
// session yet, wrapping the first ratchet message.
type PreKeyMessage struct {
	RegistrationID uint32
	PreKeyID       *PreKeyID
	SignedPreKeyID SignedPreKeyID
	BaseKey        X25519Public
	IdentityKey    PublicIdentity
	Message        RatchetMessage
}

// Type implements Envelope.
func (*PreKeyMessage) Type() EnvelopeType { return EnvelopePreKey }
func (*PreKeyMessage) envelope()          {}

// DecryptedMessage is a plaintext handed to the application.
type DecryptedMessage struct {
	ID             MessageID
	ConversationID ConversationID
	From           Address
	Plaintext      []byte
	SentAt         time.Time
}
