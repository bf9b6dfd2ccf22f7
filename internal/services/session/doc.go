// Package session is the session and ratchet engine of a device.
//
// It runs the X3DH handshake as initiator or responder, persists session
// records with their Double Ratchet state, and encrypts and decrypts
// envelopes for single devices and for every device of a user.
package session
