// Package store provides persistence for sigil's key material and sessions.
//
// Everything except the CLI profile lives in a single bbolt file per process.
// Records are CBOR encoded; when the DB is opened with a passphrase every
// record is additionally sealed with XChaCha20-Poly1305 under a key derived
// once with scrypt, and bound to its bucket and key.
//
// bbolt serialises write transactions, which is what makes
// TakeOneTimePreKey and TakeBundle atomic: a key is read and deleted inside a
// single Update, so no two callers can ever receive the same one-time
// pre-key.
//
// The package includes:
//   - KeyMaterialStore: a device's private identity and pre-keys
//   - BundleStore: the relay's directory of published public keys
//   - SessionStore: pairwise session records
//   - TrustStore: identities trusted on first use
//   - ProfileFileStore: the CLI profile (JSON, atomic rename)
package store
