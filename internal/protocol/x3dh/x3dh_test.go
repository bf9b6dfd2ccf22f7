package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"sigil/internal/crypto"
	"sigil/internal/domain"
	"sigil/internal/protocol/x3dh"
)

// makeIdentity creates a domain.IdentityKeyPair with fresh key pairs.
func makeIdentity(t *testing.T) domain.IdentityKeyPair {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return id
}

func makeBundle(t *testing.T, bob domain.IdentityKeyPair) (domain.PreKeyBundle, domain.X25519Private) {
	t.Helper()
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return domain.PreKeyBundle{
		User:           "bob",
		Device:         1,
		RegistrationID: bob.RegistrationID,
		IdentityKey:    bob.Public(),
		SignedPreKey: domain.SignedPreKeyPublic{
			ID:        3,
			Pub:       spkPub,
			Signature: crypto.SignEd25519(bob.EdPriv, spkPub[:]),
		},
	}, spkPriv
}

func TestInitiatorAndResponderRoot_NoOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv := makeBundle(t, bob)

	res, err := x3dh.InitiatorRoot(alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if res.SignedPreKeyID != 3 {
		t.Fatalf("want signed pre-key id 3, got %d", res.SignedPreKeyID)
	}
	if res.PreKeyID != nil {
		t.Fatalf("want no one-time pre-key id, got %d", *res.PreKeyID)
	}

	root, err := x3dh.ResponderRoot(bob, spkPriv, nil, alice.XPub, res.BaseKey)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(res.RootKey, root) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestInitiatorAndResponderRoot_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv := makeBundle(t, bob)

	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}
	bundle.PreKey = &domain.OneTimePreKeyPublic{ID: 7, Pub: opkPub}

	res, err := x3dh.InitiatorRoot(alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if res.PreKeyID == nil || *res.PreKeyID != 7 {
		t.Fatalf("unexpected one-time pre-key id %v", res.PreKeyID)
	}

	root, err := x3dh.ResponderRoot(bob, spkPriv, &opkPriv, alice.XPub, res.BaseKey)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(res.RootKey, root) {
		t.Fatal("root keys differ (with OPK)")
	}

	// Leaving out the one-time key must not produce the same secret.
	without, err := x3dh.ResponderRoot(bob, spkPriv, nil, alice.XPub, res.BaseKey)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if bytes.Equal(res.RootKey, without) {
		t.Fatal("one-time pre-key did not contribute to the root key")
	}
}

func TestInitiatorRoot_RejectsTamperedSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, _ := makeBundle(t, bob)
	bundle.SignedPreKey.Signature[5] ^= 0x01

	if _, err := x3dh.InitiatorRoot(alice, bundle); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
}
