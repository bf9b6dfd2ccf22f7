package store

import (
	bolt "go.etcd.io/bbolt"

	"sigil/internal/domain"
)

const (
	trustBucket = "trust"
	scopeTrust  = "trust"
)

// TrustStore records the identity key first seen for every remote device.
type TrustStore struct {
	d *DB
}

// NewTrustStore returns the trust view of d.
func NewTrustStore(d *DB) *TrustStore { return &TrustStore{d: d} }

// TrustedIdentity returns the identity trusted for key.Remote.
func (s *TrustStore) TrustedIdentity(key domain.SessionKey) (domain.PublicIdentity, bool, error) {
	var id domain.PublicIdentity
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = s.d.getRecord(tx.Bucket([]byte(trustBucket)), scopeTrust, []byte(key.String()), &id)
		return err
	})
	return id, ok, err
}

// TrustIdentity records id as the trusted identity for key.Remote,
// replacing any previous one.
func (s *TrustStore) TrustIdentity(key domain.SessionKey, id domain.PublicIdentity) error {
	return s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(trustBucket))
		if err != nil {
			return err
		}
		return s.d.putRecord(b, scopeTrust, []byte(key.String()), id)
	})
}

// Compile-time assertion that TrustStore implements domain.TrustStore.
var _ domain.TrustStore = (*TrustStore)(nil)
