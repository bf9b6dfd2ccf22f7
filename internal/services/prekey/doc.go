// Package prekey owns the device side of the pre-key lifecycle.
//
// Provision publishes the first bundle. Replenish tops the directory back up
// after a keys_low notice, and RotateSignedPreKey swaps the signed pre-key
// while the previous private half stays usable for late handshakes.
package prekey
