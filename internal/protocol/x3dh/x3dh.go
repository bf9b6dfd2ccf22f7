package x3dh

import (
	"bytes"
	"fmt"

	"sigil/internal/crypto"
	"sigil/internal/domain"
	"sigil/internal/util/memzero"
)

const (
	rootKeySize = 32
	kdfInfo     = "sigil-x3dh"
)

// Initiation is what the initiator learns from a bundle: the root key and the
// parameters the responder needs to derive the same key.
type Initiation struct {
	RootKey        []byte
	BaseKey        domain.X25519Public
	SignedPreKeyID domain.SignedPreKeyID
	PreKeyID       *domain.PreKeyID
}

// VerifySignedPreKey checks the bundle's signed pre-key against the identity
// signing key.
func VerifySignedPreKey(id domain.PublicIdentity, spk domain.SignedPreKeyPublic) error {
	if !crypto.VerifyEd25519(id.EdPub, spk.Pub.Slice(), spk.Signature) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

// InitiatorRoot verifies bundle and derives the root key using a fresh
// ephemeral (base) key.
func InitiatorRoot(ours domain.IdentityKeyPair, bundle domain.PreKeyBundle) (Initiation, error) {
	if err := VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey); err != nil {
		return Initiation{}, err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Initiation{}, err
	}
	defer memzero.Zero(ephPriv[:])

	var opk *domain.X25519Public
	var opkID *domain.PreKeyID
	if bundle.PreKey != nil {
		pub, id := bundle.PreKey.Pub, bundle.PreKey.ID
		opk, opkID = &pub, &id
	}

	secrets := make([]domain.X25519Private, 0, 4)
	publics := make([]domain.X25519Public, 0, 4)
	secrets = append(secrets, ours.XPriv, ephPriv, ephPriv) // DH(IKa, SPKb), DH(EKa, IKb), DH(EKa, SPKb)
	publics = append(publics, bundle.SignedPreKey.Pub, bundle.IdentityKey.XPub, bundle.SignedPreKey.Pub)
	if opk != nil {
		secrets = append(secrets, ephPriv) // DH(EKa, OPKb)
		publics = append(publics, *opk)
	}

	root, err := derive(secrets, publics)
	if err != nil {
		return Initiation{}, err
	}
	return Initiation{
		RootKey:        root,
		BaseKey:        ephPub,
		SignedPreKeyID: bundle.SignedPreKey.ID,
		PreKeyID:       opkID,
	}, nil
}

// ResponderRoot recomputes the initiator's root key from our private keys and
// the initiator's identity and base key.
func ResponderRoot(
	ours domain.IdentityKeyPair,
	signedPreKey domain.X25519Private,
	oneTimePreKey *domain.X25519Private,
	initiatorIdentity domain.X25519Public,
	baseKey domain.X25519Public,
) ([]byte, error) {
	secrets := []domain.X25519Private{signedPreKey, ours.XPriv, signedPreKey}
	publics := []domain.X25519Public{initiatorIdentity, baseKey, baseKey}
	if oneTimePreKey != nil {
		secrets = append(secrets, *oneTimePreKey)
		publics = append(publics, baseKey)
	}
	return derive(secrets, publics)
}

// AssociatedData binds messages of a session to both identities, initiator
// first.
func AssociatedData(initiator, responder domain.PublicIdentity) []byte {
	return bytes.Join([][]byte{initiator.Bytes(), responder.Bytes()}, nil)
}

func derive(secrets []domain.X25519Private, publics []domain.X25519Public) ([]byte, error) {
	// 32 0xFF bytes of domain separation precede the DH transcript.
	ikm := make([]byte, 32, 32*(len(secrets)+1))
	for i := range ikm {
		ikm[i] = 0xFF
	}
	for i := range secrets {
		shared, err := crypto.DH(secrets[i], publics[i])
		if err != nil {
			memzero.Zero(ikm)
			return nil, fmt.Errorf("x3dh dh%d: %w", i+1, err)
		}
		ikm = append(ikm, shared[:]...)
		memzero.Zero(shared[:])
	}
	root := crypto.HKDF(ikm, make([]byte, 32), []byte(kdfInfo), rootKeySize)
	memzero.Zero(ikm)
	return root, nil
}
