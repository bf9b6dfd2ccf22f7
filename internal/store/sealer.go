package store

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"sigil/internal/domain"
	"sigil/internal/util/memzero"
)

const (
	// The current supported version of a sealed record.
	sealFormatVersion = 1
)

// kdfParams are the scrypt parameters stored next to the salt.
type kdfParams struct {
	V    int    `cbor:"v"`
	Salt []byte `cbor:"salt"`
	N    int    `cbor:"n"`
	R    int    `cbor:"r"`
	P    int    `cbor:"p"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

func newKDFParams(N, r, p int) (kdfParams, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return kdfParams{}, err
	}
	return kdfParams{V: sealFormatVersion, Salt: salt, N: N, R: r, P: p}, nil
}

// sealer encrypts records at rest with a key derived once from the
// passphrase. A nil sealer stores records in the clear.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(passphrase string, kp kdfParams) (*sealer, error) {
	if kp.V > sealFormatVersion {
		return nil, fmt.Errorf("%w: kdf version %d", domain.ErrUnsupportedStore, kp.V)
	}
	key, err := scrypt.Key([]byte(passphrase), kp.Salt, kp.N, kp.R, kp.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// seal returns version || nonce || ciphertext, bound to ad.
func (s *sealer) seal(raw, ad []byte) ([]byte, error) {
	if s == nil {
		return raw, nil
	}
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(raw)+s.aead.Overhead())
	out[0] = sealFormatVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[1:], raw, ad), nil
}

func (s *sealer) open(b, ad []byte) ([]byte, error) {
	if s == nil {
		return b, nil
	}
	ns := s.aead.NonceSize()
	if len(b) < 1+ns+s.aead.Overhead() {
		return nil, domain.ErrWrongPassphrase
	}
	if b[0] > sealFormatVersion {
		return nil, fmt.Errorf("%w: record version %d", domain.ErrUnsupportedStore, b[0])
	}
	pt, err := s.aead.Open(nil, b[1:1+ns], b[1+ns:], ad)
	if err != nil {
		return nil, domain.ErrWrongPassphrase
	}
	return pt, nil
}
