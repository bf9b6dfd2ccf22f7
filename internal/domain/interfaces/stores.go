package interfaces

import domaintypes "sigil/internal/domain/types"

// KeyMaterialStore holds a device's private key material.
type KeyMaterialStore interface {
	CreateIdentity(device domaintypes.Address) (domaintypes.IdentityKeyPair, error)
	Identity(device domaintypes.Address) (domaintypes.IdentityKeyPair, bool, error)

	// Signed pre-keys. Rotation retires the previous key but keeps it
	// loadable by id for late pre-key messages.
	RotateSignedPreKey(device domaintypes.Address) (domaintypes.SignedPreKey, error)
	SignedPreKey(
		device domaintypes.Address,
		id domaintypes.SignedPreKeyID,
	) (domaintypes.SignedPreKey, bool, error)
	CurrentSignedPreKey(device domaintypes.Address) (domaintypes.SignedPreKey, bool, error)

	// One-time pre-keys.
	GenerateOneTimePreKeys(
		device domaintypes.Address,
		start domaintypes.PreKeyID,
		count int,
	) ([]domaintypes.OneTimePreKey, error)
	OneTimePreKey(
		device domaintypes.Address,
		id domaintypes.PreKeyID,
	) (domaintypes.OneTimePreKey, bool, error)
	TakeOneTimePreKey(
		device domaintypes.Address,
		id domaintypes.PreKeyID,
	) (domaintypes.OneTimePreKey, bool, error)
	OneTimePreKeyCount(device domaintypes.Address) (int, error)
	NextOneTimePreKeyID(device domaintypes.Address) (domaintypes.PreKeyID, error)
}

// BundleStore holds the public key material published by every device.
type BundleStore interface {
	PutIdentity(addr domaintypes.Address, registrationID uint32, id domaintypes.PublicIdentity) error
	PutSignedPreKey(addr domaintypes.Address, spk domaintypes.SignedPreKeyPublic) error
	AddOneTimePreKeys(addr domaintypes.Address, keys []domaintypes.OneTimePreKeyPublic) (int, error)

	// Bundle returns the device's bundle without a one-time pre-key.
	Bundle(addr domaintypes.Address) (domaintypes.PreKeyBundle, bool, error)
	// TakeBundle returns the bundle and atomically removes the lowest
	// one-time pre-key, if any, in the same transaction.
	TakeBundle(addr domaintypes.Address) (domaintypes.PreKeyBundle, int, bool, error)

	OneTimePreKeyCount(addr domaintypes.Address) (int, error)
	Devices(user domaintypes.UserID) ([]domaintypes.DeviceID, error)
	RemoveDevice(addr domaintypes.Address) error
}

// SessionStore persists pairwise session records.
type SessionStore interface {
	LoadSession(key domaintypes.SessionKey) (domaintypes.SessionRecord, bool, error)
	StoreSession(rec domaintypes.SessionRecord) error
	DeleteSession(key domaintypes.SessionKey) error
	RemoteDevices(local domaintypes.Address, user domaintypes.UserID) ([]domaintypes.DeviceID, error)
}

// TrustStore remembers the identity first seen for each remote device.
type TrustStore interface {
	TrustedIdentity(key domaintypes.SessionKey) (domaintypes.PublicIdentity, bool, error)
	TrustIdentity(key domaintypes.SessionKey, id domaintypes.PublicIdentity) error
}

// ProfileStore persists the local CLI profile.
type ProfileStore interface {
	SaveProfile(p domaintypes.Profile) error
	LoadProfile() (domaintypes.Profile, bool, error)
}
