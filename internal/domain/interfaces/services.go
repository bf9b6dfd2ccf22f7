package interfaces

import (
	"context"

	domaintypes "sigil/internal/domain/types"
)

// IdentityService creates and describes local device identities.
type IdentityService interface {
	CreateIdentity(device domaintypes.Address) (domaintypes.IdentityKeyPair, domaintypes.Fingerprint, error)
	Fingerprint(device domaintypes.Address) (domaintypes.Fingerprint, error)
}

// PreKeyService provisions and maintains a device's published pre-keys.
type PreKeyService interface {
	Provision(ctx context.Context, device domaintypes.Address, count int) error
	Replenish(ctx context.Context, device domaintypes.Address) (int, error)
	RotateSignedPreKey(ctx context.Context, device domaintypes.Address) (domaintypes.SignedPreKeyID, error)
}

// BundleService is the key bundle directory. It is implemented in process by
// the relay and remotely by the HTTP directory client.
type BundleService interface {
	PublishBundle(ctx context.Context, addr domaintypes.Address, req domaintypes.PublishRequest) error
	FetchBundle(ctx context.Context, addr domaintypes.Address) (domaintypes.PreKeyBundle, error)
	FetchBundles(ctx context.Context, user domaintypes.UserID) ([]domaintypes.PreKeyBundle, error)
	PreKeyCount(ctx context.Context, addr domaintypes.Address) (int, error)
	Devices(ctx context.Context, user domaintypes.UserID) ([]domaintypes.DeviceID, error)
	RefillPreKeys(ctx context.Context, addr domaintypes.Address, keys []domaintypes.OneTimePreKeyPublic) (int, error)
	RotateSignedPreKey(ctx context.Context, addr domaintypes.Address, spk domaintypes.SignedPreKeyPublic) error
}

// SessionService is the session and ratchet engine of one local device.
type SessionService interface {
	Encrypt(ctx context.Context, remote domaintypes.Address, plaintext []byte) (domaintypes.Envelope, error)
	EncryptForUser(
		ctx context.Context,
		user domaintypes.UserID,
		plaintext []byte,
	) (map[domaintypes.DeviceID]domaintypes.Envelope, error)
	Decrypt(ctx context.Context, remote domaintypes.Address, env domaintypes.Envelope) ([]byte, error)
	HasSession(remote domaintypes.Address) (bool, error)
	ResetSession(remote domaintypes.Address) error
	TrustIdentity(remote domaintypes.Address, id domaintypes.PublicIdentity) error
}

// MessageService sends and receives end-to-end encrypted messages over a
// delivery transport.
type MessageService interface {
	Send(
		ctx context.Context,
		to domaintypes.UserID,
		conversation domaintypes.ConversationID,
		plaintext []byte,
	) (domaintypes.MessageID, error)
	HandleFrame(ctx context.Context, f domaintypes.Frame) error
	MarkRead(ctx context.Context, id domaintypes.MessageID) error
	Status(id domaintypes.MessageID) (domaintypes.MessageStatus, bool)
}
