package types

import "time"

// SignedPreKey is a medium-term X25519 pair signed by the identity key.
type SignedPreKey struct {
	ID        SignedPreKeyID
	Priv      X25519Private
	Pub       X25519Public
	Signature []byte
	CreatedAt time.Time
}

// Public returns the publishable half of the signed pre-key.
func (k SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{ID: k.ID, Pub: k.Pub, Signature: k.Signature}
}

// SignedPreKeyPublic is the published form of a signed pre-key.
type SignedPreKeyPublic struct {
	ID        SignedPreKeyID `json:"key_id"`
	Pub       X25519Public   `json:"public_key"`
	Signature []byte         `json:"signature"`
}

// OneTimePreKey is a single-use X25519 pair.
type OneTimePreKey struct {
	ID   PreKeyID
	Priv X25519Private
	Pub  X25519Public
}

// Public returns the publishable half of the one-time pre-key.
func (k OneTimePreKey) Public() OneTimePreKeyPublic {
	return OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub}
}

// OneTimePreKeyPublic is the published form of a one-time pre-key.
type OneTimePreKeyPublic struct {
	ID  PreKeyID     `json:"key_id"`
	Pub X25519Public `json:"public_key"`
}

// PreKeyBundle is what an initiator fetches to start a session: at most one
// one-time pre-key is ever included.
type PreKeyBundle struct {
	User           UserID               `json:"user,omitempty"`
	Device         DeviceID             `json:"device_id,omitempty"`
	RegistrationID uint32               `json:"registration_id"`
	IdentityKey    PublicIdentity       `json:"identity_key"`
	SignedPreKey   SignedPreKeyPublic   `json:"signed_pre_key"`
	PreKey         *OneTimePreKeyPublic `json:"pre_key,omitempty"`
}

// Address returns the device the bundle belongs to.
func (b PreKeyBundle) Address() Address { return Address{User: b.User, Device: b.Device} }

// PublishRequest uploads a device's public key material to the directory.
// One-time pre-keys are added to whatever is already stored.
type PublishRequest struct {
	RegistrationID uint32                `json:"registration_id"`
	IdentityKey    PublicIdentity        `json:"identity_key"`
	SignedPreKey   SignedPreKeyPublic    `json:"signed_pre_key"`
	PreKeys        []OneTimePreKeyPublic `json:"pre_keys"`
}
