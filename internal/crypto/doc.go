// Package crypto exposes the minimal primitives used by sigil.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 expansion shared by X3DH and the Double Ratchet (HKDF)
//   - Registration ids (GenerateRegistrationID)
//   - Short public-key fingerprints for display/logging (Fingerprint,
//     FingerprintIdentity)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Secrets should be wiped with
// internal/util/memzero once they are no longer needed.
package crypto
