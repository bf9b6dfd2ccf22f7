package domain

import (
	interfaces "sigil/internal/domain/interfaces"
	types "sigil/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID              = types.UserID
	DeviceID            = types.DeviceID
	Address             = types.Address
	SessionKey          = types.SessionKey
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	PreKeyID            = types.PreKeyID
	MessageID           = types.MessageID
	ConversationID      = types.ConversationID
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private
	PublicIdentity      = types.PublicIdentity
	IdentityKeyPair     = types.IdentityKeyPair
	SignedPreKey        = types.SignedPreKey
	SignedPreKeyPublic  = types.SignedPreKeyPublic
	OneTimePreKey       = types.OneTimePreKey
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PreKeyBundle        = types.PreKeyBundle
	PublishRequest      = types.PublishRequest
	ChainKey            = types.ChainKey
	ReceivingChain      = types.ReceivingChain
	SkippedKey          = types.SkippedKey
	RatchetState        = types.RatchetState
	PendingPreKey       = types.PendingPreKey
	SessionRecord       = types.SessionRecord
	EnvelopeType        = types.EnvelopeType
	Envelope            = types.Envelope
	RatchetMessage      = types.RatchetMessage
	PreKeyMessage       = types.PreKeyMessage
	DecryptedMessage    = types.DecryptedMessage
	MessageStatus       = types.MessageStatus
	ReceiptKind         = types.ReceiptKind
	Receipt             = types.Receipt
	FrameType           = types.FrameType
	Frame               = types.Frame
	DeviceEnvelope      = types.DeviceEnvelope
	SendPayload         = types.SendPayload
	SentPayload         = types.SentPayload
	NewMessagePayload   = types.NewMessagePayload
	TypingPayload       = types.TypingPayload
	PresencePayload     = types.PresencePayload
	AckPayload          = types.AckPayload
	ReceiptPayload      = types.ReceiptPayload
	KeysLowPayload      = types.KeysLowPayload
	ErrorPayload        = types.ErrorPayload
	Profile             = types.Profile
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	KeyMaterialStore = interfaces.KeyMaterialStore
	BundleStore      = interfaces.BundleStore
	SessionStore     = interfaces.SessionStore
	TrustStore       = interfaces.TrustStore
	ProfileStore     = interfaces.ProfileStore
	IdentityService  = interfaces.IdentityService
	PreKeyService    = interfaces.PreKeyService
	BundleService    = interfaces.BundleService
	SessionService   = interfaces.SessionService
	MessageService   = interfaces.MessageService
	FrameSender      = interfaces.FrameSender
)

// Re-exported constants.
const (
	EnvelopePreKey  = types.EnvelopePreKey
	EnvelopeMessage = types.EnvelopeMessage

	StatusSending   = types.StatusSending
	StatusSent      = types.StatusSent
	StatusDelivered = types.StatusDelivered
	StatusRead      = types.StatusRead
	StatusFailed    = types.StatusFailed

	ReceiptDelivered = types.ReceiptDelivered
	ReceiptRead      = types.ReceiptRead
	ReceiptRejected  = types.ReceiptRejected

	FrameNewMessage = types.FrameNewMessage
	FrameSend       = types.FrameSend
	FrameSent       = types.FrameSent
	FrameTyping     = types.FrameTyping
	FramePresence   = types.FramePresence
	FrameAck        = types.FrameAck
	FrameReceipt    = types.FrameReceipt
	FrameKeysLow    = types.FrameKeysLow
	FrameError      = types.FrameError
	FramePing       = types.FramePing
	FramePong       = types.FramePong
)

// ParseAddress parses the "user.device" form of an Address.
func ParseAddress(s string) (Address, error) { return types.ParseAddress(s) }
