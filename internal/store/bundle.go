package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"sigil/internal/domain"
)

const (
	directoryBucket  = "directory"
	dirIdentityKey   = "identity"
	dirSignedKey     = "signed"
	dirPreKeysBucket = "prekeys"
	scopeDirectory   = "directory"
)

type identityRecord struct {
	RegistrationID uint32
	Identity       domain.PublicIdentity
}

// BundleStore keeps the public key material published by devices, as the
// relay's key directory.
//
// Layout: directory/<user>/<device>/{identity, signed, prekeys/<id>}.
type BundleStore struct {
	d *DB
}

// NewBundleStore returns the directory view of d.
func NewBundleStore(d *DB) *BundleStore { return &BundleStore{d: d} }

func directoryDevice(tx *bolt.Tx, addr domain.Address, create bool) (*bolt.Bucket, error) {
	if !addr.Valid() {
		return nil, domain.ErrInvalidAddress
	}
	if !create {
		return subBucket(subBucket(tx.Bucket([]byte(directoryBucket)), string(addr.User)),
			string(u32(uint32(addr.Device)))), nil
	}
	root, err := tx.CreateBucketIfNotExists([]byte(directoryBucket))
	if err != nil {
		return nil, err
	}
	user, err := root.CreateBucketIfNotExists([]byte(addr.User))
	if err != nil {
		return nil, err
	}
	return user.CreateBucketIfNotExists(u32(uint32(addr.Device)))
}

// PutIdentity stores or replaces the device's public identity.
func (s *BundleStore) PutIdentity(addr domain.Address, registrationID uint32, id domain.PublicIdentity) error {
	return s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := directoryDevice(tx, addr, true)
		if err != nil {
			return err
		}
		rec := identityRecord{RegistrationID: registrationID, Identity: id}
		return s.d.putRecord(b, scopeDirectory, []byte(dirIdentityKey), rec)
	})
}

// PutSignedPreKey replaces the device's current signed pre-key.
func (s *BundleStore) PutSignedPreKey(addr domain.Address, spk domain.SignedPreKeyPublic) error {
	return s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := directoryDevice(tx, addr, true)
		if err != nil {
			return err
		}
		return s.d.putRecord(b, scopeDirectory, []byte(dirSignedKey), spk)
	})
}

// AddOneTimePreKeys adds keys whose ids are not stored yet and returns how
// many were added.
func (s *BundleStore) AddOneTimePreKeys(addr domain.Address, keys []domain.OneTimePreKeyPublic) (int, error) {
	added := 0
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		added = 0
		b, err := directoryDevice(tx, addr, true)
		if err != nil {
			return err
		}
		pk, err := b.CreateBucketIfNotExists([]byte(dirPreKeysBucket))
		if err != nil {
			return err
		}
		for _, k := range keys {
			id := u32(uint32(k.ID))
			if pk.Get(id) != nil {
				continue
			}
			if err := pk.Put(id, append([]byte(nil), k.Pub[:]...)); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	return added, err
}

func (s *BundleStore) loadBundle(b *bolt.Bucket, addr domain.Address) (domain.PreKeyBundle, bool, error) {
	var rec identityRecord
	ok, err := s.d.getRecord(b, scopeDirectory, []byte(dirIdentityKey), &rec)
	if err != nil || !ok {
		return domain.PreKeyBundle{}, false, err
	}
	var spk domain.SignedPreKeyPublic
	ok, err = s.d.getRecord(b, scopeDirectory, []byte(dirSignedKey), &spk)
	if err != nil || !ok {
		return domain.PreKeyBundle{}, false, err
	}
	return domain.PreKeyBundle{
		User:           addr.User,
		Device:         addr.Device,
		RegistrationID: rec.RegistrationID,
		IdentityKey:    rec.Identity,
		SignedPreKey:   spk,
	}, true, nil
}

// Bundle returns the device's identity and signed pre-key only.
func (s *BundleStore) Bundle(addr domain.Address) (domain.PreKeyBundle, bool, error) {
	var bundle domain.PreKeyBundle
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := directoryDevice(tx, addr, false)
		if err != nil {
			return err
		}
		bundle, ok, err = s.loadBundle(b, addr)
		return err
	})
	return bundle, ok, err
}

// TakeBundle returns the device's bundle with the lowest remaining one-time
// pre-key, deleting that key in the same write transaction. It also returns
// how many one-time pre-keys remain afterwards.
func (s *BundleStore) TakeBundle(addr domain.Address) (domain.PreKeyBundle, int, bool, error) {
	var bundle domain.PreKeyBundle
	var ok bool
	remaining := 0
	err := s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := directoryDevice(tx, addr, false)
		if err != nil {
			return err
		}
		if bundle, ok, err = s.loadBundle(b, addr); err != nil || !ok {
			return err
		}
		pk := subBucket(b, dirPreKeysBucket)
		if pk == nil {
			return nil
		}
		k, v := pk.Cursor().First()
		if k != nil {
			otk := domain.OneTimePreKeyPublic{ID: domain.PreKeyID(binary.BigEndian.Uint32(k))}
			copy(otk.Pub[:], v)
			bundle.PreKey = &otk
			if err := pk.Delete(append([]byte(nil), k...)); err != nil {
				return err
			}
		}
		remaining = count(pk)
		return nil
	})
	return bundle, remaining, ok, err
}

// OneTimePreKeyCount returns how many one-time pre-keys the device has left.
func (s *BundleStore) OneTimePreKeyCount(addr domain.Address) (int, error) {
	n := 0
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b, err := directoryDevice(tx, addr, false)
		if err != nil {
			return err
		}
		n = count(subBucket(b, dirPreKeysBucket))
		return nil
	})
	return n, err
}

// Devices lists the devices of user that published an identity.
func (s *BundleStore) Devices(user domain.UserID) ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	err := s.d.db.View(func(tx *bolt.Tx) error {
		ub := subBucket(tx.Bucket([]byte(directoryBucket)), string(user))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(k, v []byte) error {
			if v != nil || len(k) != 4 {
				return nil
			}
			if ub.Bucket(k).Get([]byte(dirIdentityKey)) == nil {
				return nil
			}
			out = append(out, domain.DeviceID(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	return out, err
}

// RemoveDevice deletes everything the device published.
func (s *BundleStore) RemoveDevice(addr domain.Address) error {
	return s.d.db.Update(func(tx *bolt.Tx) error {
		if !addr.Valid() {
			return domain.ErrInvalidAddress
		}
		ub := subBucket(tx.Bucket([]byte(directoryBucket)), string(addr.User))
		if ub == nil || ub.Bucket(u32(uint32(addr.Device))) == nil {
			return nil
		}
		return ub.DeleteBucket(u32(uint32(addr.Device)))
	})
}

// Compile-time assertion that BundleStore implements domain.BundleStore.
var _ domain.BundleStore = (*BundleStore)(nil)
