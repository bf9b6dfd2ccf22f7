package types

import "time"

// PendingPreKey records the handshake parameters the initiator repeats on
// every outgoing message until the responder's first reply arrives.
type PendingPreKey struct {
	PreKeyID       *PreKeyID
	SignedPreKeyID SignedPreKeyID
	BaseKey        X25519Public
}

// SessionRecord is the persisted state of one pairwise session.
type SessionRecord struct {
	Key                  SessionKey
	RemoteIdentity       PublicIdentity
	RemoteRegistrationID uint32
	LocalRegistrationID  uint32
	BaseKey              X25519Public
	Initiator            bool
	Pending              *PendingPreKey
	State                RatchetState
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
