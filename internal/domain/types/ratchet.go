package types

// ChainKey is one KDF chain and the index of the next message key it yields.
type ChainKey struct {
	Key     []byte
	Counter uint32
}

// ReceivingChain is the chain derived for one remote ratchet public key.
type ReceivingChain struct {
	RatchetKey X25519Public
	Chain      ChainKey
}

// SkippedKey is a message key derived ahead of time for an out-of-order message.
type SkippedKey struct {
	RatchetKey X25519Public
	Counter    uint32
	MessageKey []byte
}

// RatchetState is the full Double Ratchet state of one session.
//
// Receiving is ordered newest first. Skipped is ordered oldest first so that
// eviction drops the front.
type RatchetState struct {
	RootKey         []byte
	DHPriv          X25519Private
	DHPub           X25519Public
	Sending         ChainKey
	PreviousCounter uint32
	Receiving       []ReceivingChain
	Skipped         []SkippedKey
}
