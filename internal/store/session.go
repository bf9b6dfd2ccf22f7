package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"sigil/internal/domain"
)

const (
	sessionsBucket = "sessions"
	scopeSession   = "session"
)

// SessionStore persists session records keyed by SessionKey.
type SessionStore struct {
	d *DB
}

// NewSessionStore returns the session view of d.
func NewSessionStore(d *DB) *SessionStore { return &SessionStore{d: d} }

// LoadSession returns the record for key, if any.
func (s *SessionStore) LoadSession(key domain.SessionKey) (domain.SessionRecord, bool, error) {
	var rec domain.SessionRecord
	var ok bool
	err := s.d.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = s.d.getRecord(tx.Bucket([]byte(sessionsBucket)), scopeSession, []byte(key.String()), &rec)
		return err
	})
	return rec, ok, err
}

// StoreSession writes rec, replacing any previous record for its key.
func (s *SessionStore) StoreSession(rec domain.SessionRecord) error {
	if !rec.Key.Local.Valid() || !rec.Key.Remote.Valid() {
		return domain.ErrInvalidAddress
	}
	return s.d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		if err != nil {
			return err
		}
		return s.d.putRecord(b, scopeSession, []byte(rec.Key.String()), rec)
	})
}

// DeleteSession removes the record for key. Missing records are not an error.
func (s *SessionStore) DeleteSession(key domain.SessionKey) error {
	return s.d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key.String()))
	})
}

// RemoteDevices lists the devices of user that local has sessions with.
func (s *SessionStore) RemoteDevices(local domain.Address, user domain.UserID) ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	prefix := []byte(local.String() + "|")
	err := s.d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			addr, err := domain.ParseAddress(string(k[len(prefix):]))
			if err != nil {
				continue
			}
			if addr.User == user {
				out = append(out, addr.Device)
			}
		}
		return nil
	})
	return out, err
}

// Compile-time assertion that SessionStore implements domain.SessionStore.
var _ domain.SessionStore = (*SessionStore)(nil)
