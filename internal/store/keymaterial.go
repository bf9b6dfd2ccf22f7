package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"sigil/internal/crypto"
	"sigil/internal/domain"
)

const (
	keysBucket         = "keys"
	identityKey        = "identity"
	signedBucket       = "signed"
	currentSignedKey   = "current_signed"
	oneTimeBucket      = "onetime"
	nextPreKeyIDKey    = "next_prekey_id"
	scopeIdentity      = "identity"
	scopeSignedPreKey  = "signed"
	scopeOneTimePreKey = "onetime"

	// MaxRetiredSignedPreKeys is how many rotated-out signed pre-keys are
	// kept for pre-key messages that were in flight during rotation.
	MaxRetiredSignedPreKeys = 5
)

// KeyMaterialStore keeps a device's private identity and pre-keys in bbolt.
//
// Layout: keys/<user.device>/{identity, current_signed, next_prekey_id,
// signed/<id>, onetime/<id>}.
type KeyMaterialStore struct {
	d *DB
}

// NewKeyMaterialStore returns the key material view of d.
func NewKeyMaterialStore(d *DB) *KeyMaterialStore { return &KeyMaterialStore{d: d} }

func deviceBucket(tx *bolt.Tx, device domain.Address, create bool) (*bolt.Bucket, error) {
	if !device.Valid() {
		return nil, domain.ErrInvalidAddress
	}
	if !create {
		root := tx.Bucket([]byte(keysBucket))
		if root == nil {
			return nil, nil
		}
		return root.Bucket([]byte(device.String())), nil
	}
	root, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
	if err != nil {
		return nil, err
	}
	return root.CreateBucketIfNotExists([]byte(device.String()))
}

func subBucket(b *bolt.Bucket, name string) *bolt.Bucket {
	if b == nil {
		return nil
	}
	return b.Bucket([]byte(name))
}

// CreateIdentity generates and stores a new identity for device.
func (s *KeyMaterialStore) CreateIdentity(device domain.Address) (domain.IdentityKeyPair, error) {
	var id domain.IdentityKeyPair
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, true)
		if err != nil {
			return err
		}
		if b.Get([]byte(identityKey)) != nil {
			return domain.ErrIdentityExists
		}
		if id, err = crypto.GenerateIdentity(); err != nil {
			return err
		}
		return s.d.putRecord(b, scopeIdentity+device.String(), []byte(identityKey), id)
	})
	return id, err
}

// Identity loads the device identity.
func (s *KeyMaterialStore) Identity(device domain.Address) (domain.IdentityKeyPair, bool, error) {
	var id domain.IdentityKeyPair
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil {
			return err
		}
		ok, err = s.d.getRecord(b, scopeIdentity+device.String(), []byte(identityKey), &id)
		return err
	})
	return id, ok, err
}

// RotateSignedPreKey signs a new pre-key with the next id and makes it
// current. Older keys stay loadable until more than MaxRetiredSignedPreKeys
// have been retired.
func (s *KeyMaterialStore) RotateSignedPreKey(device domain.Address) (domain.SignedPreKey, error) {
	var spk domain.SignedPreKey
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, true)
		if err != nil {
			return err
		}
		var id domain.IdentityKeyPair
		ok, err := s.d.getRecord(b, scopeIdentity+device.String(), []byte(identityKey), &id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNoIdentity
		}
		signed, err := b.CreateBucketIfNotExists([]byte(signedBucket))
		if err != nil {
			return err
		}

		next := uint32(1)
		if k, _ := signed.Cursor().Last(); k != nil {
			next = binary.BigEndian.Uint32(k) + 1
		}
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		spk = domain.SignedPreKey{
			ID:        domain.SignedPreKeyID(next),
			Priv:      priv,
			Pub:       pub,
			Signature: crypto.SignEd25519(id.EdPriv, pub[:]),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.d.putRecord(signed, scopeSignedPreKey+device.String(), u32(next), spk); err != nil {
			return err
		}
		if err := b.Put([]byte(currentSignedKey), u32(next)); err != nil {
			return err
		}

		// Prune the oldest retired keys. The current key is always last.
		for count(signed) > MaxRetiredSignedPreKeys+1 {
			k, _ := signed.Cursor().First()
			if err := signed.Delete(append([]byte(nil), k...)); err != nil {
				return err
			}
		}
		return nil
	})
	return spk, err
}

// SignedPreKey loads a current or retired signed pre-key by id.
func (s *KeyMaterialStore) SignedPreKey(
	device domain.Address,
	id domain.SignedPreKeyID,
) (domain.SignedPreKey, bool, error) {
	var spk domain.SignedPreKey
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil {
			return err
		}
		ok, err = s.d.getRecord(subBucket(b, signedBucket), scopeSignedPreKey+device.String(), u32(uint32(id)), &spk)
		return err
	})
	return spk, ok, err
}

// CurrentSignedPreKey loads the signed pre-key that is currently published.
func (s *KeyMaterialStore) CurrentSignedPreKey(device domain.Address) (domain.SignedPreKey, bool, error) {
	var spk domain.SignedPreKey
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil || b == nil {
			return err
		}
		cur := b.Get([]byte(currentSignedKey))
		if cur == nil {
			return nil
		}
		ok, err = s.d.getRecord(subBucket(b, signedBucket), scopeSignedPreKey+device.String(), cur, &spk)
		return err
	})
	return spk, ok, err
}

// GenerateOneTimePreKeys creates keys with ids start..start+count-1. Ids that
// already exist are left untouched and not returned.
func (s *KeyMaterialStore) GenerateOneTimePreKeys(
	device domain.Address,
	start domain.PreKeyID,
	count int,
) ([]domain.OneTimePreKey, error) {
	if count <= 0 {
		return nil, nil
	}
	if start == 0 {
		return nil, fmt.Errorf("%w: 0", domain.ErrUnknownPreKeyID)
	}
	out := make([]domain.OneTimePreKey, 0, count)
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		out = out[:0]
		b, err := deviceBucket(tx, device, true)
		if err != nil {
			return err
		}
		otk, err := b.CreateBucketIfNotExists([]byte(oneTimeBucket))
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			id := uint32(start) + uint32(i)
			if otk.Get(u32(id)) != nil {
				continue
			}
			priv, pub, err := crypto.GenerateX25519()
			if err != nil {
				return err
			}
			k := domain.OneTimePreKey{ID: domain.PreKeyID(id), Priv: priv, Pub: pub}
			if err := s.d.putRecord(otk, scopeOneTimePreKey+device.String(), u32(id), k); err != nil {
				return err
			}
			out = append(out, k)
		}
		end := uint32(start) + uint32(count)
		if cur := b.Get([]byte(nextPreKeyIDKey)); cur == nil || binary.BigEndian.Uint32(cur) < end {
			return b.Put([]byte(nextPreKeyIDKey), u32(end))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OneTimePreKey loads a one-time pre-key without consuming it.
func (s *KeyMaterialStore) OneTimePreKey(
	device domain.Address,
	id domain.PreKeyID,
) (domain.OneTimePreKey, bool, error) {
	var k domain.OneTimePreKey
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil {
			return err
		}
		ok, err = s.d.getRecord(subBucket(b, oneTimeBucket), scopeOneTimePreKey+device.String(), u32(uint32(id)), &k)
		return err
	})
	return k, ok, err
}

// TakeOneTimePreKey loads and deletes a one-time pre-key in a single write
// transaction. Of any number of concurrent callers at most one gets ok.
func (s *KeyMaterialStore) TakeOneTimePreKey(
	device domain.Address,
	id domain.PreKeyID,
) (domain.OneTimePreKey, bool, error) {
	var k domain.OneTimePreKey
	var ok bool
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil {
			return err
		}
		otk := subBucket(b, oneTimeBucket)
		if ok, err = s.d.getRecord(otk, scopeOneTimePreKey+device.String(), u32(uint32(id)), &k); err != nil || !ok {
			return err
		}
		return otk.Delete(u32(uint32(id)))
	})
	return k, ok, err
}

// OneTimePreKeyCount returns how many one-time pre-keys remain.
func (s *KeyMaterialStore) OneTimePreKeyCount(device domain.Address) (int, error) {
	var n int
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil {
			return err
		}
		n = count(subBucket(b, oneTimeBucket))
		return nil
	})
	return n, err
}

// NextOneTimePreKeyID returns the first id never handed to
// GenerateOneTimePreKeys, so that ids are not reused after consumption.
func (s *KeyMaterialStore) NextOneTimePreKeyID(device domain.Address) (domain.PreKeyID, error) {
	next := domain.PreKeyID(1)
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := deviceBucket(tx, device, false)
		if err != nil || b == nil {
			return err
		}
		if v := b.Get([]byte(nextPreKeyIDKey)); v != nil {
			next = domain.PreKeyID(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	return next, err
}

// Compile-time assertion that KeyMaterialStore implements domain.KeyMaterialStore.
var _ domain.KeyMaterialStore = (*KeyMaterialStore)(nil)
