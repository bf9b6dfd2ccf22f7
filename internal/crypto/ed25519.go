package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"sigil/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// GenerateIdentity returns a complete identity: an X25519 pair for key
// agreement, an Ed25519 pair for signing and a fresh registration id.
func GenerateIdentity() (domain.IdentityKeyPair, error) {
	xPriv, xPub, err := GenerateX25519()
	if err != nil {
		return domain.IdentityKeyPair{}, fmt.Errorf("generate x25519: %w", err)
	}
	edPriv, edPub, err := GenerateEd25519()
	if err != nil {
		return domain.IdentityKeyPair{}, fmt.Errorf("generate ed25519: %w", err)
	}
	regID, err := GenerateRegistrationID()
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	return domain.IdentityKeyPair{
		XPub:           xPub,
		XPriv:          xPriv,
		EdPub:          edPub,
		EdPriv:         edPriv,
		RegistrationID: regID,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
