// Package memzero wipes key material held in memory.
package memzero

import "crypto/subtle"

// Zero overwrites b with zeros in place. XORing b with itself goes through
// crypto/subtle, which the compiler does not drop as a dead store.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
}

// Zero32 wipes a fixed-size key.
func Zero32(k *[32]byte) {
	if k != nil {
		Zero(k[:])
	}
}
