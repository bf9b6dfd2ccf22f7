// Package x3dh implements the X3DH key agreement used to bootstrap a Double
// Ratchet session between two devices.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte root key with a responder who
// has published a pre-key bundle. The bundle contains:
//   - Identity key (X25519 for DH, Ed25519 for signing)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - At most one one-time pre-key (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed pre-key signature (ErrSignatureInvalid otherwise).
//  2. Generate an ephemeral base key.
//  3. Compute DH(IKa, SPKb), DH(EKa, IKb), DH(EKa, SPKb)[, DH(EKa, OPKb)].
//  4. HKDF over 0xFF*32 || transcript to produce the root key.
//
// Responder mirrors the same DH set from its private keys and the initiator's
// identity and base key.
package x3dh
