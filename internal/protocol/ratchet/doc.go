// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key, one sending chain and a receiving chain
// per remote ratchet key. Each message advances a KDF chain and the prior
// chain key is wiped, so that keys are forward secure. When the remote party
// presents a new ratchet public key, both sides derive new chains from a new
// root derived via DH.
//
// Out-of-order messages are handled by deriving and caching skipped message
// keys (at most MaxSkippedKeys, oldest evicted). A counter that was already
// consumed, or whose key was evicted, is rejected with
// domain.ErrReplayOrExpired.
//
// Decrypt never leaves a partially updated state behind: it works on a clone
// and commits only after the AEAD tag verifies.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
