package types

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText encodes the key as standard base64.
func (p X25519Public) MarshalText() ([]byte, error) { return marshalB64(p[:]), nil }

// UnmarshalText decodes a standard base64 key.
func (p *X25519Public) UnmarshalText(b []byte) error { return unmarshalB64(p[:], b) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// MarshalText encodes the key as standard base64.
func (p Ed25519Public) MarshalText() ([]byte, error) { return marshalB64(p[:]), nil }

// UnmarshalText decodes a standard base64 key.
func (p *Ed25519Public) UnmarshalText(b []byte) error { return unmarshalB64(p[:], b) }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// PublicIdentitySize is the encoded length of a PublicIdentity.
const PublicIdentitySize = 64

// PublicIdentity is the public half of a device identity: the X25519 key used
// in X3DH and the Ed25519 key that signs pre-keys.
type PublicIdentity struct {
	XPub  X25519Public
	EdPub Ed25519Public
}

// Bytes returns XPub || EdPub.
func (p PublicIdentity) Bytes() []byte {
	out := make([]byte, 0, PublicIdentitySize)
	out = append(out, p.XPub[:]...)
	return append(out, p.EdPub[:]...)
}

// Equal compares two identities in constant time.
func (p PublicIdentity) Equal(o PublicIdentity) bool {
	return subtle.ConstantTimeCompare(p.Bytes(), o.Bytes()) == 1
}

// IsZero reports whether the identity is unset.
func (p PublicIdentity) IsZero() bool { return p == PublicIdentity{} }

// MarshalText encodes the identity as base64 of Bytes.
func (p PublicIdentity) MarshalText() ([]byte, error) { return marshalB64(p.Bytes()), nil }

// UnmarshalText decodes the form produced by MarshalText.
func (p *PublicIdentity) UnmarshalText(b []byte) error {
	var raw [PublicIdentitySize]byte
	if err := unmarshalB64(raw[:], b); err != nil {
		return err
	}
	copy(p.XPub[:], raw[:32])
	copy(p.EdPub[:], raw[32:])
	return nil
}

// IdentityKeyPair is a device's long-term identity.
type IdentityKeyPair struct {
	XPub           X25519Public
	XPriv          X25519Private
	EdPub          Ed25519Public
	EdPriv         Ed25519Private
	RegistrationID uint32
	CreatedAt      time.Time
}

// Public returns the publishable half of the identity.
func (id IdentityKeyPair) Public() PublicIdentity {
	return PublicIdentity{XPub: id.XPub, EdPub: id.EdPub}
}

func marshalB64(b []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

func unmarshalB64(dst, src []byte) error {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(buf, src)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("key length %d, want %d", n, len(dst))
	}
	copy(dst, buf[:n])
	return nil
}
