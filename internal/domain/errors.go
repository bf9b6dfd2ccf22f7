package domain

import (
	"errors"
	"fmt"
)

// Protocol errors. A message that fails with one of these is dropped and
// surfaced to the caller, never retried.
var (
	ErrSignatureInvalid     = errors.New("signed pre-key signature invalid")
	ErrAuthenticationFailed = errors.New("message authentication failed")
	ErrReplayOrExpired      = errors.New("message replayed or key expired")
	ErrIdentityKeyChanged   = errors.New("remote identity key changed")
	ErrTooManySkipped       = errors.New("message too far ahead of chain")
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrNoSession            = errors.New("no session for ratchet message")
)

// Availability errors.
var (
	ErrNoSessionAndNoRemoteBundle = errors.New("no session and no remote bundle")
)

// Storage errors.
var (
	ErrIdentityExists   = errors.New("identity already exists")
	ErrNoIdentity       = errors.New("no identity for device")
	ErrNoSignedPreKey   = errors.New("no signed pre-key for device")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrUnknownPreKeyID  = errors.New("unknown pre-key id")
	ErrWrongPassphrase  = errors.New("wrong passphrase or corrupted store")
	ErrUnsupportedStore = errors.New("unsupported store version")
)

// IdentityKeyChangedError is returned when a peer presents an identity that
// differs from the one trusted on first use. It matches ErrIdentityKeyChanged
// under errors.Is.
type IdentityKeyChangedError struct {
	Remote   Address
	Trusted  Fingerprint
	Received Fingerprint
}

func (e *IdentityKeyChangedError) Error() string {
	return fmt.Sprintf("identity key for %s changed: trusted %s, received %s",
		e.Remote, e.Trusted, e.Received)
}

// Is reports whether target is ErrIdentityKeyChanged.
func (e *IdentityKeyChangedError) Is(target error) bool { return target == ErrIdentityKeyChanged }

// IsProtocolError reports whether err is a cryptographic failure of a single
// message as opposed to an availability or storage error.
func IsProtocolError(err error) bool {
	for _, p := range []error{
		ErrSignatureInvalid,
		ErrAuthenticationFailed,
		ErrReplayOrExpired,
		ErrIdentityKeyChanged,
		ErrTooManySkipped,
		ErrMalformedEnvelope,
		ErrNoSession,
	} {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
